package rpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/localci/localci/internal/manager"
	"github.com/localci/localci/internal/resourcepool"
	"github.com/localci/localci/internal/resultdb"
	"github.com/localci/localci/pkg/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fakeOrigin struct{ dir string }

func (f *fakeOrigin) Path() string { return f.dir }
func (f *fakeOrigin) Checkout(ctx context.Context, commit types.CommitHash) error {
	return nil
}
func (f *fakeOrigin) CommitTree(ctx context.Context, commit types.CommitHash) (types.TreeHash, error) {
	return types.TreeHash(commit), nil
}

func startServer(t *testing.T, mgr *manager.Manager) (*grpc.ClientConn, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	Register(grpcServer, NewNotificationServer(mgr))
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	}
}

func TestWatchRelaysNotifications(t *testing.T) {
	dir := t.TempDir()
	db, err := resultdb.Open(dir+"/results.db", dir+"/outputs")
	require.NoError(t, err)
	defer db.Close()

	pool := resourcepool.New(nil)
	mgr := manager.New(nil, pool, db, &fakeOrigin{dir: dir}, nil)

	conn, cleanup := startServer(t, mgr)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Watch(ctx, conn)
	require.NoError(t, err)

	want := types.Notification{
		TestCase:           types.TestCaseID{Commit: "abc", TestName: "unit"},
		Status:             types.StatusStarted,
		EmittedAtUnixMilli: 1,
	}

	done := make(chan *WatchEvent, 1)
	go func() {
		event, recvErr := client.Recv()
		require.NoError(t, recvErr)
		done <- event
	}()

	// Give the server's Watch handler a moment to subscribe before we
	// publish, since the broadcast stream is a live feed with no replay.
	time.Sleep(100 * time.Millisecond)
	manager.PublishForTesting(mgr, want)

	select {
	case event := <-done:
		require.Equal(t, want.TestCase, event.TestCase)
		require.Equal(t, "Started", event.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for relayed notification")
	}
}

package cmd

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/apqueue"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/storage"
)

func TestPrintStatus(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewWithPath(dir)
	require.NoError(t, err)

	queue := apqueue.New(db, testutil.GetLogger(), &apqueue.QueueOption{Prefix: mempool.DurableQueuePrefix})
	require.NoError(t, queue.MustStart())

	info := testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 7))
	data, err := json.Marshal(info)
	require.NoError(t, err)
	_, err = queue.Enqueue(apqueue.JobPending, info.UserOpHash.Hex(), data)
	require.NoError(t, err)
	require.NoError(t, queue.Stop())
	require.NoError(t, db.Close())

	tests := []struct {
		name     string
		verbose  bool
		contains []string
	}{
		{"counts", false, []string{"pending: 1", "in_progress: 0"}},
		{"verbose", true, []string{"pending: 1", "  " + info.UserOpHash.Hex() + "\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printStatus(&buf, dir, tt.verbose))
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}

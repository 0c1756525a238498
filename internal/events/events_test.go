package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

func TestConnectEmptyURLIsDisabledNoOp(t *testing.T) {
	pub, err := Connect("", time.Second, zap.NewNop())
	require.NoError(t, err)
	require.False(t, pub.Enabled())

	// Must not panic even though there is no underlying connection.
	pub.PublishTransition(Transition{RunID: "run-1", FromState: model.StateInit, ToState: model.StateQueued, At: 1})
	pub.Close()
}

func TestZeroValuePublisherIsDisabledNoOp(t *testing.T) {
	var pub Publisher
	require.False(t, pub.Enabled())
	pub.PublishTransition(Transition{RunID: "run-1"})
	pub.Close()
}

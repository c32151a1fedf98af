package stats_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/stats"
)

// NewPublisher dials out eagerly, so standing up a real JetStream broker is
// the only way to exercise the happy path; that belongs in an integration
// suite, not here. What a plain unit test can assert is that a connection
// failure surfaces as a wrapped error rather than a panic or a silently nil
// Publisher.
func TestNewPublisherFailsFastOnUnreachableServer(t *testing.T) {
	cfg := &config.Config{
		Stats: config.Stats{
			NATSURL:     "nats://127.0.0.1:1",
			StreamName:  "ORCHESTRATOR_STATS",
			SubjectBase: "orchestrator.stats",
		},
	}

	p, err := stats.NewPublisher(cfg, zap.NewNop())

	require.Error(t, err)
	require.Nil(t, p)
}

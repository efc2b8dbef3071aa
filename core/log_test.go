package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerSwapsAndNilSilences(t *testing.T) {
	prev := L()
	defer SetLogger(prev)

	obsCore, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(obsCore))

	Info("hello", Database("db1"), Collection("users"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, "db1", entry.ContextMap()["database"])
	assert.Equal(t, "users", entry.ContextMap()["collection"])

	SetLogger(nil)
	Info("dropped")
	assert.Equal(t, 1, logs.Len(), "nil must install a no-op logger, not panic")
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	prev := L()
	defer SetLogger(prev)

	assert.Error(t, Configure("shouting", false))
	assert.NoError(t, Configure("warn", true))
}

func TestDomainFieldKeys(t *testing.T) {
	assert.Equal(t, "table", Table("docs_users_1").Key)
	assert.Equal(t, "subscriber", Subscriber("abc").Key)
}

package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestTaggedHook(t *testing.T) {
	logger := logrus.New()
	var output bytes.Buffer
	logger.SetOutput(&output)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	logger.AddHook(new(TaggedHook))

	logger.WithField("tag", "tcp").Info("tcp: connected")
	require.Contains(t, output.String(), `msg="[tcp]: connected"`)
	require.NotContains(t, output.String(), "tag=")
}

func TestSetLevel(t *testing.T) {
	previous := logrus.GetLevel()
	defer logrus.SetLevel(previous)

	require.NoError(t, SetLevel("trace"))
	require.Equal(t, logrus.TraceLevel, logrus.GetLevel())
	require.Error(t, SetLevel("loud"))
	require.Equal(t, logrus.TraceLevel, logrus.GetLevel())
}

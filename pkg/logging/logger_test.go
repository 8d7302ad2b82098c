package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewSetsLevelAndFormat(t *testing.T) {
	assert := assert.New(t)

	entry, err := New(logrus.DebugLevel, "json", false)
	assert.NoError(err)
	assert.Equal(logrus.DebugLevel, entry.Logger.Level)
	_, isJSON := entry.Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(isJSON)
	assert.Equal("nicof", entry.Data["source"])
}

func TestNewDefaultsToTextFormat(t *testing.T) {
	entry, err := New(logrus.InfoLevel, "", false)
	assert.NoError(t, err)
	_, isText := entry.Logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

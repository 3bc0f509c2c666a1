package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainvault/go-chainvault/stepconf"
	"github.com/chainvault/go-chainvault/store/dispatch"
)

type mapEnvGetter map[string]string

func (m mapEnvGetter) Get(key string) string { return m[key] }

func TestMirrorInputsParsedFromEnvironment(t *testing.T) {
	parser := stepconf.NewInputParser(mapEnvGetter{
		"AWS_ACCESS_KEY_ID":     "AKIAEXAMPLE",
		"AWS_SECRET_ACCESS_KEY": "example-secret",
	})

	var credentials mirrorInputs
	require.NoError(t, parser.Parse(&credentials))
	assert.Equal(t, stepconf.Secret("AKIAEXAMPLE"), credentials.AccessKeyID)
	assert.Equal(t, stepconf.Secret("example-secret"), credentials.SecretAccessKey)
}

func TestMirrorInputsAreOptional(t *testing.T) {
	var credentials mirrorInputs
	require.NoError(t, stepconf.NewInputParser(mapEnvGetter{}).Parse(&credentials))
	assert.Empty(t, string(credentials.AccessKeyID))
	assert.Empty(t, string(credentials.SecretAccessKey))
}

func TestParseStrategy(t *testing.T) {
	strategy, err := parseStrategy("sequential")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StrategySequential, strategy)

	_, err = parseStrategy("guesswork")
	assert.Error(t, err)
}

func TestParseVector(t *testing.T) {
	vector, err := parseVector("1, 0.5,-2")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0.5, -2}, vector)

	_, err = parseVector("1,x")
	assert.Error(t, err)
}

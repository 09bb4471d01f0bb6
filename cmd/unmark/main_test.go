package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unmark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigBatchFlags(t *testing.T) {
	sequentialFile := writeConfig(t, "batch:\n  enabled: false\n")

	tests := []struct {
		name string
		opts options
		want bool
	}{
		{name: "default is batched", opts: options{}, want: true},
		{name: "sequential flag", opts: options{sequential: true}, want: false},
		{name: "file selects sequential", opts: options{configPath: sequentialFile}, want: false},
		{name: "batch flag overrides file", opts: options{configPath: sequentialFile, batch: true}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Batch.Enabled)
		})
	}
}

func TestLoadConfigRejectsBothModes(t *testing.T) {
	_, err := loadConfig(options{batch: true, sequential: true})
	assert.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(options{
		model:     "logo.onnx",
		provider:  "cuda",
		method:    "blur",
		batchSize: 16,
		noHWAccel: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "logo.onnx", cfg.Inference.ModelPath)
	assert.Equal(t, "cuda", cfg.Inference.Provider)
	assert.Equal(t, "blur", cfg.Inpaint.Method)
	assert.Equal(t, 16, cfg.Batch.Size)
	assert.False(t, cfg.Encoding.HWAccel)

	_, err = loadConfig(options{provider: "tpu"})
	assert.Error(t, err)
}

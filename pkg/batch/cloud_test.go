package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCloudConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"image_id": "img-123",
		"instance_type": "m5.large",
		"security_group_id": "sg-9",
		"keypair_name": "workerkey"
	}`), 0644))

	cfg, err := loadCloudConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "img-123", cfg.ImageID)
	assert.Equal(t, "m5.large", cfg.InstanceType)
	assert.Equal(t, "ec2-user", cfg.User) // default login
}

func TestLoadCloudConfigMissingField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"image_id": "img-123"}`), 0644))

	_, err := loadCloudConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance_type")
}

func TestTaskScript(t *testing.T) {
	script := taskScript("sort in.dat > out.dat", map[string]string{
		"MODE":   "fast",
		"QUOTED": "a 'b' c",
	})

	assert.Contains(t, script, "#!/bin/sh\n")
	assert.Contains(t, script, "export MODE='fast'\n")
	assert.Contains(t, script, `export QUOTED='a '\''b'\'' c'`)
	assert.Contains(t, script, "exec sort in.dat > out.dat\n")
	assert.Contains(t, script, "exit 127\n")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

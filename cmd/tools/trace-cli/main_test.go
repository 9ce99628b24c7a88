package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/annel0/memreplay/internal/auth"
	"github.com/annel0/memreplay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthStreamsDump(t *testing.T) {
	server := "local:" + t.TempDir()

	var out bytes.Buffer
	require.NoError(t, synthCmd([]string{"-s", server, "-r", "1", "-n", "50", "-cr3", "25", "boot"}, &out))
	assert.Contains(t, out.String(), "50 writes")

	out.Reset()
	require.NoError(t, streamsCmd([]string{"-s", server, "boot"}, &out))
	assert.Contains(t, out.String(), "mem_cpu_store_dphys")
	assert.Contains(t, out.String(), "cpu_set_pagedirectory")

	out.Reset()
	require.NoError(t, dumpCmd([]string{"-s", server, "-limit", "3", "boot"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "cycle=10")

	out.Reset()
	require.NoError(t, dumpCmd([]string{"-s", server, "-m", "cpu_set_pagedirectory", "boot"}, &out))
	assert.Contains(t, out.String(), "cr3=0x1000")

	assert.Error(t, dumpCmd([]string{"-s", server, "-m", "missing", "boot"}, &out))
	assert.Error(t, streamsCmd([]string{"-s", server}, &out))
}

func TestHashPasswordProducesLoadableConfig(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, hashPasswordCmd([]string{"-secret"}, strings.NewReader("s3cret\n"), &out))

	path := filepath.Join(t.TempDir(), "auth.yaml")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.OperatorPasswordHash, 0)
	require.NoError(t, err)
	_, err = a.Login("operator", "s3cret")
	assert.NoError(t, err)

	out.Reset()
	require.NoError(t, hashPasswordCmd([]string{"pw"}, strings.NewReader(""), &out))
	assert.NotContains(t, out.String(), "jwt_secret")
	assert.Contains(t, out.String(), "operator_password_hash")

	assert.ErrorIs(t, hashPasswordCmd(nil, strings.NewReader(""), &out), auth.ErrEmptyPassword)
	assert.Error(t, hashPasswordCmd([]string{"a", "b"}, strings.NewReader(""), &out))
}

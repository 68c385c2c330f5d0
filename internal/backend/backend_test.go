package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsUnmarshalScalars(t *testing.T) {
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{"server":"ftp.example.com","port":2121,"use_ssl":true,"folder":null}`), &s))
	assert.Equal(t, "ftp.example.com", s.String("server", ""))
	assert.Equal(t, 2121, s.Int("port", 21))
	assert.True(t, s.Bool("use_ssl", false))
	assert.Equal(t, "/", s.String("folder", "/"))
	assert.Equal(t, 21, Settings{"port": "abc"}.Int("port", 21))
}

func TestSettingsRequire(t *testing.T) {
	err := Settings{"bucket": "b"}.Require("bucket", "access_key", "secret_key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_key, secret_key")
	assert.NoError(t, Settings{"path": "/x"}.Require("path"))
}

func TestRegistryOpen(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	b, err := r.Open(ctx, TypeLocal, Settings{"path": "/dst"}, Options{LocalFS: afero.NewMemMapFs()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, b)

	_, err = r.Open(ctx, "carrier-pigeon", nil, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedTarget)

	_, err = r.Open(ctx, TypeSMB, Settings{"server": "nas"}, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedTarget)

	_, err = r.Open(ctx, TypeLocal, Settings{}, Options{})
	assert.Error(t, err)

	assert.Contains(t, r.Kinds(), TypeS3)
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden(".env"))
	assert.True(t, IsHidden("a/.git/config"))
	assert.False(t, IsHidden("a/b.txt"))
	assert.False(t, IsHidden("a.b/c"))
}

func TestEtagFingerprint(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", etagFingerprint(`"5D41402ABC4B2A76B9719D911017C592"`))
	assert.Equal(t, "", etagFingerprint(`"d41d8cd98f00b204e9800998ecf8427e-3"`))
	assert.Equal(t, "", etagFingerprint(""))
}

func TestJoinRemote(t *testing.T) {
	assert.Equal(t, "prefix/a/b", joinRemote("prefix", "a/b"))
	assert.Equal(t, "a", joinRemote("", "/a"))
	assert.Equal(t, "prefix", joinRemote("prefix", ""))
	assert.Equal(t, "prefix/etc", joinRemote("prefix", "../../etc"))
}

func TestThrottledCopy(t *testing.T) {
	src := strings.Repeat("x", 3*ChunkSize+7)
	var dst bytes.Buffer
	n, err := copyStream(context.Background(), &dst, strings.NewReader(src), NewLimiter(64*1024*1024))
	require.NoError(t, err)
	assert.EqualValues(t, len(src), n)
	assert.Equal(t, src, dst.String())

	assert.Nil(t, NewLimiter(0))
}

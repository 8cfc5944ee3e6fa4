package bans

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stubChecker struct {
	banned bool
	err    error
	calls  int
}

func (s *stubChecker) IsBanned(context.Context, string) (bool, error) {
	s.calls++
	return s.banned, s.err
}

func TestStatic_AddressesAndNetworks(t *testing.T) {
	s, err := NewStatic(File{
		Addresses: []string{"10.0.0.1", "::1", "not-an-ip"},
		Networks:  []string{"192.168.1.77/24"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	for addr, want := range map[string]bool{
		"10.0.0.1":        true,
		"10.0.0.2":        false,
		"::1":             true,
		"::ffff:10.0.0.1": true,
		"192.168.1.200":   true,
		"192.168.2.1":     false,
		"not-an-ip":       true,
		"something-else":  false,
	} {
		got, err := s.IsBanned(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, want, got, addr)
	}
	assert.Equal(t, 4, s.Len())
}

func TestNewStatic_BadNetwork(t *testing.T) {
	_, err := NewStatic(File{Networks: []string{"10.0.0.0/99"}})
	assert.ErrorContains(t, err, "10.0.0.0/99")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addresses:
  - 203.0.113.9
networks:
  - 198.51.100.0/24
`), 0644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	banned, _ := s.IsBanned(context.Background(), "198.51.100.4")
	assert.True(t, banned)
	banned, _ = s.IsBanned(context.Background(), "203.0.113.9")
	assert.True(t, banned)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addresses: [unterminated"), 0644))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "parsing ban list")
}

func TestChain_ShortCircuitsOnBan(t *testing.T) {
	first := &stubChecker{banned: true}
	second := &stubChecker{}
	banned, err := Chain{first, second}.IsBanned(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, 0, second.calls)
}

func TestChain_ErrorsDoNotHideLaterBan(t *testing.T) {
	failing := &stubChecker{err: errors.New("redis down")}
	banned, err := Chain{failing, &stubChecker{banned: true}}.IsBanned(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = Chain{failing, &stubChecker{}}.IsBanned(context.Background(), "x")
	assert.False(t, banned)
	assert.ErrorContains(t, err, "redis down")
}

func TestChain_Empty(t *testing.T) {
	banned, err := Chain{}.IsBanned(context.Background(), "x")
	assert.NoError(t, err)
	assert.False(t, banned)
}

// Property: every address inside a banned network is banned.
func TestPropertyNetworkMembership(t *testing.T) {
	s, err := NewStatic(File{Networks: []string{"10.20.0.0/16"}})
	require.NoError(t, err)
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.IntRange(0, 255).Draw(t, "a")
		b := rapid.IntRange(0, 255).Draw(t, "b")
		c := rapid.IntRange(0, 255).Draw(t, "c")
		addr := fmt.Sprintf("10.%d.%d.%d", a, b, c)
		got, _ := s.IsBanned(context.Background(), addr)
		want := a == 20
		if got != want {
			t.Fatalf("IsBanned(%s) = %v, want %v", addr, got, want)
		}
	})
}

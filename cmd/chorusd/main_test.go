package main

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `# comment line
CHORUS_TEST_NEW=from-dotenv

CHORUS_TEST_EXISTING=from-dotenv
not-a-pair
= no-key
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("CHORUS_TEST_EXISTING", "from-env")
	t.Setenv("CHORUS_TEST_NEW", "")
	os.Unsetenv("CHORUS_TEST_NEW")

	loadDotEnv(path)

	if got := os.Getenv("CHORUS_TEST_NEW"); got != "from-dotenv" {
		t.Fatalf("CHORUS_TEST_NEW = %q, want from-dotenv", got)
	}
	if got := os.Getenv("CHORUS_TEST_EXISTING"); got != "from-env" {
		t.Fatalf("CHORUS_TEST_EXISTING = %q, want existing value preserved", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "no-such.env"))
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{
		Op:  "listen",
		Err: os.NewSyscallError("bind", syscall.EADDRINUSE),
	}
	if !isAddrInUse(inUse) {
		t.Fatal("EADDRINUSE not recognized")
	}
	if isAddrInUse(errors.New("plain error")) {
		t.Fatal("plain error misclassified as addr-in-use")
	}
	refused := &net.OpError{
		Op:  "dial",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}
	if isAddrInUse(refused) {
		t.Fatal("ECONNREFUSED misclassified as addr-in-use")
	}
}

func TestPortOccupantHint_BadAddr(t *testing.T) {
	hint := portOccupantHint("not-an-addr")
	if hint == "" {
		t.Fatal("expected a fallback hint for unparseable address")
	}
}

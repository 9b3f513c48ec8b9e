//go:build linux

package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadListenOverflows(t *testing.T) {
	dir := t.TempDir()

	netstat := filepath.Join(dir, "netstat")
	content := "TcpExt: SyncookiesSent ListenOverflows ListenDrops\n" +
		"TcpExt: 0 17 19\n" +
		"IpExt: InNoRoutes\n" +
		"IpExt: 0\n"
	if err := os.WriteFile(netstat, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if got := readListenOverflows(netstat); got != 17 {
		t.Fatalf("readListenOverflows = %d, want 17", got)
	}

	noColumn := filepath.Join(dir, "nocolumn")
	if err := os.WriteFile(noColumn, []byte("TcpExt: ListenDrops\nTcpExt: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := readListenOverflows(noColumn); got != 0 {
		t.Fatalf("missing column = %d, want 0", got)
	}

	if got := readListenOverflows(filepath.Join(dir, "missing")); got != 0 {
		t.Fatalf("missing file = %d, want 0", got)
	}
}

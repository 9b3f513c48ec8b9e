//go:build linux

package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections under a bot storm", somaxconn)
		log.Printf("  Consider: sudo sysctl -w net.core.somaxconn=65535")
	}
}

// monitorListenOverflows reports listen queue overflows until shutdown (Linux-specific)
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastOverflows := readListenOverflows("/proc/net/netstat")

	for {
		select {
		case <-ticker.C:
			overflows := readListenOverflows("/proc/net/netstat")
			if overflows > lastOverflows {
				delta := overflows - lastOverflows
				s.metrics.RecordListenOverflows(delta)
				log.Printf("WARNING: %d connection(s) rejected due to listen backlog overflow (total: %d)", delta, overflows)
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

// readListenOverflows reads the TcpExt ListenOverflows counter from a
// netstat-format file
func readListenOverflows(path string) uint64 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers, values []string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if headers == nil {
			headers = fields
			continue
		}
		values = fields
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}

	return 0
}

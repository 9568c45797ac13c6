//go:build linux

package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	somaxconnPath = "/proc/sys/net/core/somaxconn"
	netstatPath   = "/proc/net/netstat"

	// below this a burst of reconnecting clients can overflow the accept queue
	lowSomaxconn = 4096

	overflowPollInterval = 10 * time.Second
)

func logListenBacklog(addr string) {
	raw, err := os.ReadFile(somaxconnPath)
	if err != nil {
		log.Printf("TCP server listening on %s", addr)
		return
	}
	backlog, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
	log.Printf("TCP server listening on %s (somaxconn=%d)", addr, backlog)
	if backlog > 0 && backlog < lowSomaxconn {
		log.Printf("WARNING: net.core.somaxconn=%d is low; raise it if clients see refused connections", backlog)
	}
}

// monitorListenOverflows polls the host-wide TcpExt ListenOverflows counter
// and adds each increase to the metrics
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(overflowPollInterval)
	defer ticker.Stop()

	prev, _ := readListenOverflows()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
		}

		cur, ok := readListenOverflows()
		if !ok {
			continue
		}
		if cur > prev {
			s.metrics.RecordListenOverflows(cur - prev)
			log.Printf("WARNING: kernel dropped %d connection(s) on a full listen queue (%d since boot)", cur-prev, cur)
		}
		prev = cur
	}
}

func readListenOverflows() (uint64, bool) {
	f, err := os.Open(netstatPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	return netstatCounter(f, "TcpExt:", "ListenOverflows")
}

// netstatCounter finds one counter in /proc/net/netstat format, where each
// section is a header line of names followed by a line of values, both
// starting with the section prefix
func netstatCounter(r io.Reader, section, name string) (uint64, bool) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != section {
			continue
		}
		if names == nil {
			names = fields[1:]
			continue
		}
		for i, n := range names {
			if n != name || i+1 >= len(fields) {
				continue
			}
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			return v, err == nil
		}
		return 0, false
	}
	return 0, false
}

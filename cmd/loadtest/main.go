package main

import (
	"bytes"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/aeolun/relay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// notFound is reported on a bot's echo channel when the recipient was offline
const notFound = -1

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	filesSent         atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	notFound       atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	received       atomic.Int64
}

func (s *Stats) recordSuccess(file bool, responseTimeUs int64) {
	if file {
		s.filesSent.Add(1)
	} else {
		s.messagesSent.Add(1)
	}
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordNotFound() {
	s.messagesFailed.Add(1)
	s.notFound.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load() + s.filesSent.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}

	return
}

// BotClient is a fake relay client. It sends direct messages to random other
// bots and times how long the server takes to echo each one back.
type BotClient struct {
	id       int
	nickname string
	peers    int
	conn     net.Conn
	stats    *Stats

	seq    int64
	echoes chan int64
	closed chan struct{}
}

func botNickname(id int) string {
	return fmt.Sprintf("bot%05d", id)
}

func NewBotClient(id, peers int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := net.DialTimeout("tcp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &BotClient{
		id:       id,
		nickname: botNickname(id),
		peers:    peers,
		conn:     conn,
		stats:    stats,
		echoes:   make(chan int64, 16),
		closed:   make(chan struct{}),
	}, nil
}

// Register sends the nickname and waits for the presence list that contains it
func (bc *BotClient) Register() error {
	if _, err := bc.conn.Write([]byte(bc.nickname + "\n")); err != nil {
		return err
	}

	bc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer bc.conn.SetReadDeadline(time.Time{})

	r := protocol.NewReader(bc.conn)
	for {
		unit, err := r.Next()
		if err != nil {
			return fmt.Errorf("waiting for registration: %w", err)
		}
		if unit.Kind != protocol.UnitLine {
			continue
		}
		if strings.HasPrefix(unit.Text, protocol.PrefixSystem+" Nickname rejected") {
			return fmt.Errorf("nickname %s rejected: %s", bc.nickname, unit.Text)
		}
		if strings.HasPrefix(unit.Text, protocol.PrefixUsersList) {
			for _, n := range strings.Split(strings.TrimPrefix(unit.Text, protocol.PrefixUsersList), ",") {
				if n == bc.nickname {
					go bc.readLoop(r)
					return nil
				}
			}
		}
	}
}

// readLoop turns the bot's own echoes back into sequence numbers
func (bc *BotClient) readLoop(r *protocol.Reader) {
	defer close(bc.closed)

	for {
		unit, err := r.Next()
		if err != nil {
			return
		}

		switch unit.Kind {
		case protocol.UnitFile:
			if unit.Target != bc.nickname {
				bc.stats.received.Add(1)
				continue
			}
			if seq, ok := parseSeq(strings.TrimSuffix(strings.TrimPrefix(unit.Filename, "load-"), ".bin")); ok {
				bc.echoes <- seq
			}

		case protocol.UnitLine:
			if unit.Text == protocol.PrefixSystem+" User not found." {
				bc.echoes <- notFound
				continue
			}
			// "15:04 sender: seq body"
			_, rest, ok := strings.Cut(unit.Text, " ")
			if !ok {
				continue
			}
			sender, body, ok := strings.Cut(rest, ": ")
			if !ok {
				continue
			}
			if sender != bc.nickname {
				bc.stats.received.Add(1)
				continue
			}
			field, _, _ := strings.Cut(body, " ")
			if seq, ok := parseSeq(field); ok {
				bc.echoes <- seq
			}
		}
	}
}

func parseSeq(s string) (int64, bool) {
	seq, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	return seq, err == nil
}

func (bc *BotClient) randomPeer() string {
	if bc.peers < 2 {
		return bc.nickname
	}
	peer := rand.Intn(bc.peers - 1)
	if peer >= bc.id {
		peer++
	}
	return botNickname(peer)
}

// SendRandom sends a text message, or with probability fileRatio a file, and
// waits for the echo
func (bc *BotClient) SendRandom(fileRatio float64, fileSize int) error {
	bc.seq++
	seq := bc.seq
	target := bc.randomPeer()
	isFile := rand.Float64() < fileRatio

	var payload []byte
	if isFile {
		data := bytes.Repeat([]byte{byte(seq)}, fileSize)
		payload = protocol.EncodeFileUpload(target, fmt.Sprintf("load-%d.bin", seq), data)
	} else {
		wordCount := 5 + rand.Intn(16)
		words := make([]string, 0, wordCount)
		for i := 0; i < wordCount; i++ {
			words = append(words, loremWords[rand.Intn(len(loremWords))])
		}
		payload = []byte(fmt.Sprintf("%s:#%d %s\n", target, seq, strings.Join(words, " ")))
	}

	start := time.Now()
	if _, err := bc.conn.Write(payload); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	timeout := time.After(10 * time.Second)
	for {
		select {
		case got := <-bc.echoes:
			if got == notFound {
				bc.stats.recordNotFound()
				return fmt.Errorf("%s not online", target)
			}
			if got != seq {
				// Late echo from an earlier timed out send
				continue
			}
			bc.stats.recordSuccess(isFile, time.Since(start).Microseconds())
			return nil
		case <-bc.closed:
			bc.stats.recordDisconnection()
			return fmt.Errorf("connection closed")
		case <-timeout:
			bc.stats.recordTimeout()
			return fmt.Errorf("timeout waiting for echo")
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, fileRatio float64, fileSize int) {
	defer bc.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandom(fileRatio, fileSize); err != nil {
			select {
			case <-bc.closed:
				return
			default:
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func main() {
	serverAddr := flag.StringP("server", "s", "localhost:5555", "Server address (host:port)")
	numClients := flag.IntP("clients", "n", 10, "Number of concurrent clients")
	duration := flag.DurationP("duration", "d", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between sends")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between sends")
	fileRatio := flag.Float64("file-ratio", 0.05, "Fraction of sends that are file transfers")
	fileSize := flag.Int("file-size", 16*1024, "Size of each transferred file in bytes")
	flag.Parse()

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  Files: %.0f%% of sends, %d bytes each", *fileRatio*100, *fileSize)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(sent) / elapsed

				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg %.2fms",
					sent, rate, stats.received.Load(), failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *numClients, *serverAddr, stats)
			if err != nil {
				stats.recordConnectionError()
				return
			}

			if err := bot.Register(); err != nil {
				log.Printf("[Bot %d] %v", id, err)
				stats.recordConnectionError()
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, *fileRatio, *fileSize)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stopStats) })
		os.Exit(1)
	}()

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	sent, failed, connErrors, avgUs := stats.snapshot()
	rate := float64(sent) / duration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Sent: %d (%.1f/s), of which %d files", sent, rate, stats.filesSent.Load())
	log.Printf("Received from peers: %d", stats.received.Load())
	log.Printf("Failed: %d", failed)
	log.Printf("  - Recipient not found: %d", stats.notFound.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average echo time: %.2fms", avgUs/1000.0)

	if sent > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
)

// chatter is the vocabulary bots post from
var chatter = strings.Fields(`
	anyone around tonight deploy finished green again coffee later standup
	moved lunch friday weekend build broke rollback merged review please
	thanks looks fine maybe tomorrow meeting notes shared dashboard alerts
	quiet noisy latency spike resolved ticket closed ping pong hello world
	keyboard monitor window garden rain sunny cloudy river mountain orange
`)

func randomWord() string { return chatter[rand.Intn(len(chatter))] }

// generateNickname glues fragments of two random words together, with a
// numeric suffix so thousands of bots rarely collide
func generateNickname(id int) string {
	frag := func(word string) string {
		n := 3
		if len(word) > 6 {
			n = 3 + rand.Intn(4)
		}
		if n > len(word) {
			n = len(word)
		}
		return word[:n]
	}
	nick := fmt.Sprintf("%s%s%d", frag(randomWord()), frag(randomWord()), id)
	if len(nick) > 32 {
		nick = nick[len(nick)-32:]
	}
	return nick
}

// Stats aggregates counters across all bots
type Stats struct {
	messagesPosted   atomic.Int64
	messagesEchoed   atomic.Int64
	messagesReceived atomic.Int64
	serverErrors     atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	echoMicros       atomic.Int64 // summed own-message round trips

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func (s *Stats) recordEcho(latency time.Duration) {
	s.messagesEchoed.Add(1)
	s.echoMicros.Add(latency.Microseconds())
}

func (s *Stats) avgEchoMs() float64 {
	echoed := s.messagesEchoed.Load()
	if echoed == 0 {
		return 0
	}
	return float64(s.echoMicros.Load()) / float64(echoed) / 1000.0
}

type loadConfig struct {
	server   string
	clients  int
	secure   bool
	room     string
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

// BotClient is a scripted chat participant
type BotClient struct {
	id       int
	nickname string
	room     string
	conn     *client.Client
	stats    *Stats

	seq     int
	pending sync.Map // content -> time posted
}

func NewBotClient(id int, cfg loadConfig, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(cfg.server, client.Options{
		Secure:                   cfg.secure,
		InsecureSkipHostKeyCheck: true,
	})
	if err != nil {
		return nil, err
	}

	return &BotClient{
		id:    id,
		room:  cfg.room,
		conn:  conn,
		stats: stats,
	}, nil
}

// Setup claims a nickname and joins the room, waiting for each answer
func (bc *BotClient) Setup() error {
	for attempt := 0; ; attempt++ {
		nick := generateNickname(bc.id)
		_, err := bc.conn.Connect(nick)
		if err == nil {
			bc.nickname = nick
			break
		}
		var serverErr *client.ServerError
		if !errors.As(err, &serverErr) || attempt >= 3 {
			return err
		}
	}

	if err := bc.conn.Join(bc.room); err != nil {
		return err
	}
	for {
		resp, err := bc.conn.Recv()
		if err != nil {
			return err
		}
		switch resp := resp.(type) {
		case *protocol.JoinAckResponse:
			return nil
		case *protocol.ErrorResponse:
			return fmt.Errorf("join %s: %s", bc.room, resp.Message)
		}
		// Room events from earlier joiners may arrive first
	}
}

// receive consumes responses until the connection ends
func (bc *BotClient) receive() {
	for {
		resp, err := bc.conn.Recv()
		if err != nil {
			return
		}
		switch resp := resp.(type) {
		case *protocol.RoomEvent:
			if resp.Op.Kind != protocol.OpMessage {
				continue
			}
			if resp.Op.From == bc.nickname {
				if posted, ok := bc.pending.LoadAndDelete(resp.Op.Content); ok {
					bc.stats.recordEcho(time.Since(posted.(time.Time)))
				}
				continue
			}
			bc.stats.messagesReceived.Add(1)
		case *protocol.ErrorResponse:
			bc.stats.serverErrors.Add(1)
		}
	}
}

// PostRandomMessage posts 5 to 20 words. The sequence prefix keeps every
// post distinct so its echo can be matched.
func (bc *BotClient) PostRandomMessage() error {
	bc.seq++
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", bc.seq)
	for n := 5 + rand.Intn(16); n > 0; n-- {
		b.WriteByte(' ')
		b.WriteString(randomWord())
	}
	content := b.String()

	bc.pending.Store(content, time.Now())
	if err := bc.conn.SendRoom(bc.room, content); err != nil {
		bc.pending.Delete(content)
		return err
	}
	bc.stats.messagesPosted.Add(1)
	return nil
}

func (bc *BotClient) Run(ctx context.Context, cfg loadConfig, shutdownDelay time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bc.receive()
	}()

	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()

loop:
	for {
		if err := bc.PostRandomMessage(); err != nil {
			bc.stats.disconnections.Add(1)
			break
		}

		delay := cfg.minDelay
		if cfg.maxDelay > cfg.minDelay {
			delay += time.Duration(rand.Int63n(int64(cfg.maxDelay - cfg.minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	// bots hang up in reverse join order
	if shutdownDelay > 0 && ctx.Err() == nil {
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
	}

	// Let in-flight echoes land before hanging up
	_ = bc.conn.Leave(bc.room)
	time.Sleep(100 * time.Millisecond)
	bc.conn.Close()
	<-done

	bc.stats.bytesSent.Add(bc.conn.BytesSent())
	bc.stats.bytesReceived.Add(bc.conn.BytesReceived())
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfg loadConfig

	cmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Drive a minichat server with scripted clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.clients <= 0 {
				return fmt.Errorf("--clients must be positive")
			}
			if cfg.maxDelay < cfg.minDelay {
				return fmt.Errorf("--max-delay must not be below --min-delay")
			}
			return runLoadTest(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.server, "server", "localhost:8080", "Server address (host:port, tcp://, ssh://, ws://)")
	f.IntVar(&cfg.clients, "clients", 10, "Number of concurrent clients")
	f.BoolVar(&cfg.secure, "secure", false, "Run the encrypted handshake on every connection")
	f.StringVar(&cfg.room, "room", "loadtest", "Room every bot joins")
	f.DurationVar(&cfg.duration, "duration", 1*time.Minute, "Test duration")
	f.DurationVar(&cfg.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between posts")
	f.DurationVar(&cfg.maxDelay, "max-delay", 1*time.Second, "Maximum delay between posts")

	return cmd
}

func runLoadTest(parent context.Context, cfg loadConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// joins spread over the first quarter of the run
	rampUp := cfg.duration / 4
	stagger := max(rampUp/time.Duration(cfg.clients), time.Millisecond)

	log.Printf("Load test: %d clients against %s (secure=%v) in #%s for %v",
		cfg.clients, cfg.server, cfg.secure, cfg.room, cfg.duration)
	log.Printf("Ramp-up %v (%v apart), post every %v to %v", rampUp, stagger, cfg.minDelay, cfg.maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup
	startTime := time.Now()

	stopStats := make(chan struct{})
	go reportStats(stats, startTime, stopStats)

spawn:
	for i := 0; i < cfg.clients; i++ {
		wg.Add(1)
		shutdownDelay := stagger * time.Duration(cfg.clients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, cfg, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Setup(); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(ctx, cfg, shutdownDelay)
		}(i, shutdownDelay)

		select {
		case <-time.After(stagger):
		case <-ctx.Done():
			log.Printf("Shutdown signal received, stopping test...")
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	elapsed := time.Since(startTime)
	posted := stats.messagesPosted.Load()
	echoed := stats.messagesEchoed.Load()

	log.Printf("Load test finished")
	log.Printf("Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/elapsed.Seconds())
	log.Printf("Messages echoed: %d", echoed)
	log.Printf("Messages received from others: %d", stats.messagesReceived.Load())
	log.Printf("Server errors: %d", stats.serverErrors.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Average echo latency: %.2fms", stats.avgEchoMs())
	log.Printf("Bytes sent: %d, received: %d", stats.bytesSent.Load(), stats.bytesReceived.Load())

	if posted > 0 {
		log.Printf("Echo rate: %.1f%%", float64(echoed)/float64(posted)*100)
	}
	return nil
}

// reportStats logs running totals every few seconds until stop closes
func reportStats(stats *Stats, start time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			posted := stats.messagesPosted.Load()
			rate := float64(posted) / now.Sub(start).Seconds()
			log.Printf("posted=%d (%.1f/s) echoed=%d received=%d server_errors=%d conn_errors=%d echo_avg=%.2fms",
				posted, rate, stats.messagesEchoed.Load(), stats.messagesReceived.Load(),
				stats.serverErrors.Load(), stats.connectionErrors.Load(), stats.avgEchoMs())
		}
	}
}

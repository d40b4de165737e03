package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"peerlink/config"
	"peerlink/discovery"
	"peerlink/messenger"
	"peerlink/models"
	"peerlink/network"
	"peerlink/offline"
	"peerlink/queue"
	"peerlink/session"
	"peerlink/transport"
)

const webSocketPath = "/peerlink"

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the node: listen, discover peers and deliver messages",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "connect", Usage: "peer DID to connect to at startup (repeatable)"},
			&cli.BoolFlag{Name: "no-discovery", Usage: "disable mDNS advertisement and browsing"},
		},
		Action: withEnv(runNode),
	}
}

func runNode(c *cli.Context, env *appEnv) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(c), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := env.cfg
	log := logrus.WithField("component", "node")
	local := env.identity.Identifier()

	addresses := discovery.NewAddressBook()
	dialer, err := buildDialer(cfg, addresses)
	if err != nil {
		return err
	}

	// The session manager hands unsent payloads to the offline queue, which
	// in turn follows session state. Sessions only exist after Connect or
	// Accept, so offlineQueue is set by then.
	var offlineQueue *offline.Queue

	sessions, err := session.NewManager(session.Options{
		Identity: env.identity,
		Dialer:   dialer,
		Transport: transport.Options{
			HighWaterMark:     cfg.Flow.HighWaterMark,
			LowWaterMark:      cfg.Flow.LowWaterMark,
			MaxQueueSize:      cfg.Flow.MaxQueueSize,
			MaxFragmentSize:   cfg.Flow.MaxFragmentSize,
			ReassemblyTimeout: cfg.Flow.ReassemblyTimeout.Std(),
		},
		Backoff: session.Backoff{
			Base: cfg.Reconnect.BaseDelay.Std(),
			Max:  cfg.Reconnect.MaxDelay.Std(),
		},
		MaxReconnectAttempts:   cfg.Reconnect.MaxAttempts,
		HandshakeTimeout:       cfg.Reconnect.HandshakeTimeout.Std(),
		HealthLatencyThreshold: cfg.Health.LatencyThreshold.Std(),
		PingTimeout:            cfg.Health.PingTimeout.Std(),
		OnUnsent: func(peerID string, payloads [][]byte) {
			offlineQueue.EnqueueAll(peerID, payloads)
		},
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	queueOptions := offlineOptions(env)
	queueOptions.Sessions = sessions
	offlineQueue, err = offline.NewQueue(queueOptions)
	if err != nil {
		return err
	}

	dedup, err := queue.NewDeduplicator(queue.DeduplicatorOptions{
		Retention: cfg.Dedup.Retention.Std(),
		Capacity:  cfg.Dedup.Capacity,
		Store:     env.store,
	})
	if err != nil {
		return err
	}

	node, err := messenger.New(messenger.Options{
		LocalID:       local,
		Sessions:      sessions,
		Offline:       offlineQueue,
		Dedup:         dedup,
		BatchSize:     cfg.Batch.Size,
		BatchInterval: cfg.Batch.FlushInterval.Std(),
		Handler: func(batch []models.Message) {
			for _, msg := range batch {
				log.WithFields(logrus.Fields{
					"peer_id":    msg.SenderID,
					"message_id": msg.ID,
					"type":       msg.Type,
				}).Infof("Received %q", msg.Payload)
			}
		},
		OnAck: func(peerID, messageID string) {
			log.WithFields(logrus.Fields{"peer_id": peerID, "message_id": messageID}).Debug("Message acknowledged")
		},
	})
	if err != nil {
		return err
	}
	offlineQueue.SetSender(node)

	port, closeListener, err := startListener(ctx, cfg, sessions)
	if err != nil {
		return err
	}
	defer closeListener()

	fmt.Printf("Identity:        %s\n", local)
	fmt.Printf("Listening Port:  %d (%s)\n", port, cfg.Transport)
	fmt.Printf("Data Directory:  %s\n", env.dataDir)

	watcher := network.NewWatcher(network.WatcherOptions{
		OnLost:      sessions.NotifyNetworkLost,
		OnAvailable: sessions.NotifyNetworkAvailable,
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := offlineQueue.Run(ctx); err != nil {
			log.WithError(err).Error("Offline queue stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := node.Run(ctx); err != nil {
			log.WithError(err).Error("Messenger stopped")
		}
	}()

	if !c.Bool("no-discovery") {
		service, err := discovery.Start(discovery.Config{
			SelfID:        local,
			Label:         cfg.DeviceName,
			ListeningPort: port,
		})
		if err != nil {
			log.WithError(err).Warn("Discovery unavailable")
		} else {
			defer service.Stop()
			wg.Add(1)
			go func() {
				defer wg.Done()
				discovery.Bridge(ctx, service.Scanner.Events(), addresses, sessions)
			}()
		}
	}

	for _, peer := range c.StringSlice("connect") {
		go func(peerID string) {
			if err := sessions.Connect(ctx, peerID, peerID); err != nil {
				log.WithError(err).WithField("peer_id", peerID).Warn("Initial connect failed")
			}
		}(peer)
	}

	go readOutgoing(os.Stdin, node, log)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	wg.Wait()
	return nil
}

// readOutgoing submits one message per input line of the form
// "<did> <text>". A leading "!" marks the message high priority.
func readOutgoing(r io.Reader, node *messenger.Messenger, log *logrus.Entry) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		priority := models.PriorityNormal
		if strings.HasPrefix(line, "!") {
			priority = models.PriorityHigh
			line = strings.TrimSpace(line[1:])
		}
		peerID, text, ok := strings.Cut(line, " ")
		if !ok {
			log.Warn("Expected \"<did> <text>\"")
			continue
		}
		msg, err := node.Submit(models.Message{
			ReceiverID:  peerID,
			Payload:     []byte(text),
			Priority:    priority,
			RequiresAck: true,
		})
		if err != nil {
			log.WithError(err).Warn("Submit failed")
			continue
		}
		log.WithFields(logrus.Fields{"peer_id": peerID, "message_id": msg.ID}).Debug("Message submitted")
	}
}

// buildDialer routes dials through the discovery address book over the
// configured transport.
func buildDialer(cfg *config.DeviceConfig, addresses *discovery.AddressBook) (session.Dialer, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		return network.TCPDialer{Resolver: addresses, Timeout: cfg.Reconnect.HandshakeTimeout.Std()}, nil
	case config.TransportWebSocket:
		return network.WebSocketDialer{URL: func(peerID string) (string, error) {
			address, err := addresses.ResolvePeer(peerID)
			if err != nil {
				return "", err
			}
			return "ws://" + address + webSocketPath, nil
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// startListener accepts inbound channels and hands them to the session
// manager. It returns the bound port.
func startListener(ctx context.Context, cfg *config.DeviceConfig, sessions *session.Manager) (int, func(), error) {
	log := logrus.WithField("component", "listener")
	address := ":" + strconv.Itoa(cfg.ListeningPort)

	accept := func(ch network.Channel) {
		peerID, err := sessions.Accept(ctx, ch)
		if err != nil {
			log.WithError(err).Debug("Inbound session rejected")
			return
		}
		log.WithField("peer_id", peerID).Info("Inbound session established")
	}

	switch cfg.Transport {
	case config.TransportWebSocket:
		ln, err := net.Listen("tcp", address)
		if err != nil {
			return 0, nil, fmt.Errorf("listen on %q: %w", address, err)
		}
		mux := http.NewServeMux()
		mux.Handle(webSocketPath, network.WebSocketHandler(func(ch *network.WebSocketChannel) {
			go accept(ch)
		}, nil))
		server := &http.Server{Handler: mux}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("WebSocket server stopped")
			}
		}()
		return ln.Addr().(*net.TCPAddr).Port, func() { _ = server.Close() }, nil

	default:
		listener, err := network.Listen(address, network.ListenerOptions{
			ConnectionRateLimitPerIP: 10,
		})
		if err != nil {
			return 0, nil, err
		}
		go func() {
			for ch := range listener.Incoming() {
				go accept(ch)
			}
		}()
		go func() {
			for err := range listener.Errors() {
				log.WithError(err).Warn("Accept failed")
			}
		}()
		return listener.Addr().(*net.TCPAddr).Port, func() { _ = listener.Close() }, nil
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	v16 "github.com/seu-repo/sigec-chargepoint/internal/adapter/ocpp/v16"
	"github.com/seu-repo/sigec-chargepoint/internal/adapter/queue"
	"github.com/seu-repo/sigec-chargepoint/internal/domain"
)

var (
	addr        = flag.String("addr", ":9000", "Listen address for the OCPP 1.6 websocket")
	assignIDs   = flag.Int("assign-ids", 0, "First transaction id to assign; 0 answers with the sentinel id")
	deny        = flag.String("deny", "", "Comma-separated idTag=status pairs to reject, e.g. BAD=Blocked")
	heartbeat   = flag.Int("heartbeat", 300, "Heartbeat interval returned in BootNotification (seconds)")
	queueDriver = flag.String("queue", "", "Watch transaction events on this broker: nats or rabbitmq")
	queueURL    = flag.String("queue-url", "nats://localhost:4222", "Broker URL for -queue")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	// Setup logger
	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := []v16.HandlersOption{v16.WithHeartbeatInterval(*heartbeat)}
	if *assignIDs > 0 {
		opts = append(opts, v16.WithTransactionIDs(*assignIDs))
	}
	denied, err := parseDenied(*deny)
	if err != nil {
		logger.Fatal("Invalid -deny flag", zap.Error(err))
	}
	for tag, status := range denied {
		opts = append(opts, v16.WithDeniedTag(tag, status))
	}

	if *queueDriver != "" {
		mq, err := queue.New(*queueDriver, *queueURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to message queue", zap.Error(err))
		}
		defer mq.Close()
		watchEvents(mq, logger)
	}

	server := v16.NewServer(v16.NewHandlers(logger, opts...), logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down responder...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Error("Responder shutdown failed", zap.Error(err))
		}
	}()

	fmt.Printf("OCPP 1.6 loopback responder\n")
	fmt.Printf("  Listen: %s\n", *addr)
	if *assignIDs > 0 {
		fmt.Printf("  Transaction ids from: %d\n", *assignIDs)
	} else {
		fmt.Printf("  Transaction ids: sentinel %d\n", v16.SentinelTransactionID)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	if err := server.Start(*addr); err != nil {
		logger.Fatal("Responder failed", zap.Error(err))
	}
}

// parseDenied reads "TAG=Status,TAG2" pairs; a bare tag means Blocked.
func parseDenied(s string) (map[string]string, error) {
	denied := make(map[string]string)
	if s == "" {
		return denied, nil
	}
	for _, pair := range strings.Split(s, ",") {
		tag, status, found := strings.Cut(strings.TrimSpace(pair), "=")
		if tag == "" {
			return nil, fmt.Errorf("empty idTag in %q", pair)
		}
		if !found || status == "" {
			status = domain.AuthorizationStatusBlocked
		}
		denied[tag] = status
	}
	return denied, nil
}

func watchEvents(mq queue.MessageQueue, logger *zap.Logger) {
	events := queue.NewEventPublisher(mq, "", "", logger)
	err := events.SubscribeTransactionEvents(func(evt domain.TransactionEvent) {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("charger_id", evt.ChargerID),
			zap.Int("connector_id", evt.ConnectorID),
			zap.String("id_tag", evt.IdTag),
			zap.String("status", evt.Status),
		}
		if evt.TransactionID != nil {
			fields = append(fields, zap.Int("transaction_id", *evt.TransactionID))
		}
		logger.Info("Transaction event", fields...)
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to transaction events", zap.Error(err))
	}
}

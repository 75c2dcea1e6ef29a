package main

import (
	"context"
	"fmt"

	ep "github.com/EasyPost/easypost-go/v4"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/config"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/notification"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/easypost"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/id"
	kafkainfra "github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/kafka"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/postgres"
	redisinfra "github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/redis"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/sendgrid"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/sheets"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/stripe"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// backends holds every adapter chosen by configuration plus what must be
// closed on shutdown.
type backends struct {
	repo     fulfillment.Repository
	locker   idempotency.Locker
	ledger   inventory.Ledger
	rates    shipping.RateShopper
	labels   shipping.LabelPurchaser
	notifier notification.Notifier
	gateway  *stripe.Gateway
	kafka    *kafkainfra.Publisher

	pool   *pgxpool.Pool
	rdb    *goredis.Client
	writer *kafkago.Writer
}

func openBackends(ctx context.Context, cfg *config.Config, tel observability.Observability) (_ *backends, err error) {
	bk := &backends{}
	defer func() {
		if err != nil {
			bk.close(tel.Logger())
		}
	}()

	switch cfg.Store.Backend {
	case "postgres":
		if bk.pool, err = postgres.NewPool(ctx, cfg.Store.DatabaseURL); err != nil {
			return nil, err
		}
		bk.repo = postgres.NewFulfillmentRepository(bk.pool)
	default:
		bk.repo = memory.NewFulfillmentRepository()
	}

	var keys idempotency.KeyStore
	switch cfg.Lock.Backend {
	case "redis":
		bk.rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		if err = bk.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		bk.locker = redisinfra.NewLocker(bk.rdb)
		keys = redisinfra.NewKeyStore(bk.rdb, redisinfra.DefaultClaimTTL)
	default:
		bk.locker = memory.NewLocker()
		keys = memory.NewKeyStore()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		bk.writer = kafkainfra.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		bk.kafka = kafkainfra.NewPublisher(bk.writer, tel)
	}

	p := cfg.Providers
	gatewayCfg := stripe.Config{
		WebhookSecret:    p.StripeWebhookSecret,
		Tolerance:        p.StripeWebhookTolerance,
		SuccessURL:       p.SuccessURL,
		CancelURL:        p.CancelURL,
		AllowedCountries: p.AllowedCountries,
	}

	if p.Mock {
		rows := make([]inventory.Row, 0, len(p.LocalStock))
		for productID, qty := range p.LocalStock {
			rows = append(rows, inventory.Row{ProductID: productID, QuantityOnHand: qty})
		}
		bk.ledger = memory.NewLedger(keys, rows...)
		ship := memory.NewShipping(id.Generator{}, tel)
		bk.rates, bk.labels = ship, ship
		bk.notifier = memory.NewNotifier(tel)
		bk.gateway = stripe.NewGateway(stripe.NewLocalSessions(id.Generator{}, p.SuccessURL), gatewayCfg, tel)
		return bk, nil
	}

	values, err := sheets.NewGoogleValues(ctx, sheets.Credentials{
		Email:      p.ServiceAccountEmail,
		PrivateKey: p.PrivateKey,
	})
	if err != nil {
		return nil, err
	}
	if bk.ledger, err = sheets.NewLedger(ctx, values, sheets.Config{
		SpreadsheetID:     p.SheetID,
		Range:             p.SheetRange,
		RequestsPerSecond: p.SheetsRPS,
	}, keys, tel); err != nil {
		return nil, err
	}

	ship := easypost.New(ep.New(p.EasyPostAPIKey), p.EasyPostRPS, tel)
	bk.rates, bk.labels = ship, ship
	bk.notifier = sendgrid.NewNotifier(sendgrid.NewSender(p.SendGridAPIKey), sendgrid.Config{
		FromEmail: p.FromEmail,
		FromName:  p.FromName,
	}, tel)
	bk.gateway = stripe.NewGateway(stripe.NewSessions(p.StripeSecretKey), gatewayCfg, tel)
	return bk, nil
}

func (bk *backends) close(logger observability.Logger) {
	if bk.writer != nil {
		if err := bk.writer.Close(); err != nil {
			logger.Warn("kafka_writer_close_failed", observability.F("error", err.Error()))
		}
	}
	if bk.rdb != nil {
		if err := bk.rdb.Close(); err != nil {
			logger.Warn("redis_close_failed", observability.F("error", err.Error()))
		}
	}
	if bk.pool != nil {
		bk.pool.Close()
	}
}

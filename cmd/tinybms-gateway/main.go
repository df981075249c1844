// tinybms-gateway polls a TinyBMS battery management system over a
// serial link and exposes its telemetry as structured logs and
// prometheus metrics.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	serial "github.com/hootrhino/goserial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	tinybms "github.com/voltbridge/tinybms"
)

func main() {
	configPath := flag.String("config", "tinybms-gateway.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := tinybms.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := newZapLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway failed", zap.Error(err))
	}
}

func run(cfg *tinybms.Config, log *zap.Logger) error {
	catalog := tinybms.DefaultCatalog()
	if cfg.Registers.CSVPath != "" {
		var err error
		catalog, err = tinybms.LoadCatalogCSVFile(cfg.Registers.CSVPath)
		if err != nil {
			return err
		}
		log.Info("loaded register map", zap.String("path", cfg.Registers.CSVPath), zap.Int("registers", catalog.Len()))
	}

	port, err := serial.Open(&serial.Config{
		Address:  cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		StopBits: cfg.Serial.StopBits,
		Parity:   cfg.Serial.Parity,
		Timeout:  cfg.Serial.Timeout(),
	})
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", cfg.Serial.Port, err)
	}
	log.Info("serial port open",
		zap.String("port", cfg.Serial.Port),
		zap.Int("baud", cfg.Serial.BaudRate))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tinybms.NewMetrics(reg)

	level := tinybms.LevelInfo
	if lvl, err := tinybms.ParseLogLevel(cfg.Logging.Level); err == nil {
		level = lvl
	}
	client := tinybms.NewClient(quietOnTimeout{port}, tinybms.ClientConfig{
		Timeout: cfg.Serial.Timeout(),
		Catalog: catalog,
		Logger:  tinybms.NewLogger(os.Stderr, level, "tinybms"),
		Metrics: metrics,
		OnReading: func(r tinybms.Reading) {
			log.Debug("reading",
				zap.String("key", r.Key),
				zap.Float64("value", r.Value),
				zap.String("unit", r.Unit))
		},
		OnConnectivity: func(up bool) {
			log.Info("connectivity changed", zap.Bool("connected", up))
		},
	})

	poller, err := tinybms.NewPoller(client, cfg.Poll.Interval(), cfg.Poll.Keys)
	if err != nil {
		client.Close()
		return err
	}
	log.Info("poller planned",
		zap.Int("block_reads", poller.Plans()),
		zap.Duration("interval", cfg.Poll.Interval()))
	poller.Start()

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("metrics endpoint up", zap.String("listen", cfg.Metrics.Listen))
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))

	poller.Stop()
	if err := client.Close(); err != nil {
		log.Warn("closing serial port", zap.Error(err))
	}

	stats := client.Stats()
	log.Info("final counters",
		zap.Uint64("reads_ok", stats.ReadsOK),
		zap.Uint64("reads_failed", stats.ReadsFailed),
		zap.Uint64("writes_ok", stats.WritesOK),
		zap.Uint64("writes_failed", stats.WritesFailed),
		zap.Uint64("crc_errors", stats.CRCErrors),
		zap.Uint64("timeouts", stats.Timeouts))
	return nil
}

// quietOnTimeout turns the serial layer's read timeout into an empty
// read, so the client read loop keeps polling instead of treating the
// idle line as a dead transport.
type quietOnTimeout struct {
	serial.Port
}

func (q quietOnTimeout) Read(p []byte) (int, error) {
	n, err := q.Port.Read(p)
	if err != nil && errors.Is(err, serial.ErrTimeout) {
		return n, nil
	}
	return n, err
}

func newZapLogger(cfg tinybms.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if cfg.File.Filename != "" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
		ws = zapcore.NewMultiWriteSyncer(ws, rotating)
	}

	return zap.New(zapcore.NewCore(enc, ws, level)), nil
}

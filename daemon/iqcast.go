// iqcastd captures I/Q samples from an SDR peripheral and streams them
// to a receiver over UDP.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/iqcast/iqcast/airspy"
	"github.com/iqcast/iqcast/airspyhf"
	"github.com/iqcast/iqcast/config"
	"github.com/iqcast/iqcast/control"
	"github.com/iqcast/iqcast/export"
	"github.com/iqcast/iqcast/sdr"
	"github.com/iqcast/iqcast/status"
	"github.com/iqcast/iqcast/wire"

	// Blind import support for sqlite3 used by the sqlite exporter.
	_ "github.com/mattn/go-sqlite3"
)

// Flags
var (
	identifier = flag.String("id", "", "unique identifier of this capture session (defaults to a random UUID)")
	configFile = flag.String("config", "", "path to the yaml configuration file")
	dest       = flag.String("dest", "", "receiver address (host:port), overrides the config file")
	blockSize  = flag.Int("blockSize", 0, "UDP payload size in bytes, overrides the config file")
	sourceType = flag.String("source", "", "capture backend to use (one of: airspy, airspyhf), overrides the config file")
	initial    = flag.String("initial", "", "initial key=value configuration applied before capture starts")

	statsInterval = flag.Duration("statsInterval", 30*time.Second, "interval between frame-stats session events")
)

func main() {
	ctx := context.Background()
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()

	if *identifier == "" {
		*identifier = uuid.NewString()
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			glog.Exit(err)
		}
	}
	if *dest != "" {
		cfg.Network.Destination = *dest
	}
	if *blockSize != 0 {
		cfg.Network.BlockSize = *blockSize
	}
	if *sourceType != "" {
		cfg.Source.Type = *sourceType
	}
	if *initial != "" {
		cfg.Source.Initial = *initial
	}

	// Control channel setup.
	var ctrl control.Channel
	if cfg.MQTT.Broker != "" {
		var err error
		ctrl, err = control.NewMQTT(control.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			CommandTopic:   cfg.MQTT.CommandTopic,
			ReplyTopic:     cfg.MQTT.ReplyTopic,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CACertFile:     cfg.MQTT.CACert,
			ClientCertFile: cfg.MQTT.ClientCert,
			ClientKeyFile:  cfg.MQTT.ClientKey,
		})
		if err != nil {
			glog.Exitf("unable to connect control channel: %s", err)
		}
		defer ctrl.Close()
	}

	// Capture source setup.
	var radio sdr.Source
	switch strings.ToLower(cfg.Source.Type) {
	case airspy.SourceName:
		src := airspy.New(*identifier)
		src.Control = ctrl
		radio = src
	case airspyhf.SourceName:
		src := airspyhf.New(*identifier)
		src.Control = ctrl
		radio = src
	default:
		glog.Exitf("%q is not a supported source type, pick one of: airspy, airspyhf", cfg.Source.Type)
	}
	if cfg.Source.Initial != "" {
		kv, err := control.ParseKV(cfg.Source.Initial)
		if err == nil {
			err = radio.Configure(kv)
		}
		if err != nil {
			glog.Exitf("initial configuration rejected: %s", err)
		}
	}

	// Exporter setup. The log gates late emitters during shutdown.
	events := export.NewLog(100)
	exporter := newExporter(cfg.Export)
	if exporter != nil {
		go func() {
			if err := exporter.Write(ctx, events.Events()); err != nil {
				glog.Fatal(err)
			}
		}()
	}

	// Framer setup.
	writer, err := wire.DialUDP(cfg.Network.Destination)
	if err != nil {
		glog.Exitf("unable to open UDP transport to %q: %s", cfg.Network.Destination, err)
	}
	defer writer.Close()
	framer, err := wire.NewFramer(writer, cfg.Network.BlockSize, cfg.Network.CompressMinBytes)
	if err != nil {
		glog.Exit(err)
	}

	queue := sdr.NewQueue()

	// Status server.
	if cfg.Status.Listen != "" {
		srv := &status.Server{
			Listen: cfg.Status.Listen,
			Snapshot: func() status.Info {
				return status.Info{
					Session:         *identifier,
					Source:          radio.Name(),
					CenterFrequency: radio.Frequency(),
					SampleRate:      radio.SampleRate(),
					BlockSize:       cfg.Network.BlockSize,
					QueueDepth:      queue.Len(),
					Stats:           framer.Stats(),
				}
			},
			Apply: func(msg string) error {
				kv, err := control.ParseKV(msg)
				if err != nil {
					return err
				}
				if err := radio.Configure(kv); err != nil {
					events.Emit(sessionEvent(*identifier, radio, framer, export.EventConfigReject, err.Error()))
					return err
				}
				events.Emit(sessionEvent(*identifier, radio, framer, export.EventConfigChange, msg))
				return nil
			},
		}
		go srv.Run()
	}

	// Sender: drains the queue and frames every batch.
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			batch, ok := queue.Pop()
			if !ok {
				return
			}
			snd := sdr.Config{
				CenterFrequency: radio.Frequency(),
				SampleRate:      radio.SampleRate(),
				SampleBytes:     2,
				SampleBits:      radio.SampleBits(),
			}
			if err := framer.Emit(batch, snd, time.Now()); err != nil {
				glog.Warningf("frame emit incomplete: %s\n", err)
			}
		}
	}()

	// Session event bookkeeping: periodic stats plus config changes
	// observed through the source (MQTT updates land there directly).
	statsDone := make(chan struct{})
	statsExited := make(chan struct{})
	go func() {
		defer close(statsExited)
		ticker := time.NewTicker(*statsInterval)
		defer ticker.Stop()
		lastFreq, lastRate := radio.Frequency(), radio.SampleRate()
		for {
			select {
			case <-statsDone:
				return
			case <-ticker.C:
				if f, r := radio.Frequency(), radio.SampleRate(); f != lastFreq || r != lastRate {
					events.Emit(sessionEvent(*identifier, radio, framer, export.EventConfigChange, "observed on capture source"))
					lastFreq, lastRate = f, r
				}
				events.Emit(sessionEvent(*identifier, radio, framer, export.EventFrameStats, ""))
			}
		}
	}()

	events.Emit(sessionEvent(*identifier, radio, framer, export.EventStart, cfg.Source.Initial))

	// Capture runs until a signal or a device failure ends it.
	captureDone := make(chan error, 1)
	go func() {
		captureDone <- radio.Start(queue)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		glog.Infof("received %s, stopping capture\n", s)
		if err := radio.Stop(); err != nil {
			glog.Warningf("stop: %s\n", err)
		}
		if err := <-captureDone; err != nil {
			glog.Errorf("capture ended with error: %s\n", err)
		}
	case err := <-captureDone:
		// Device/backend errors are fatal to the session.
		if err != nil {
			glog.Errorf("capture failed: %s\n", err)
		}
	}

	queue.Close()
	<-sendDone
	close(statsDone)
	<-statsExited
	events.Emit(sessionEvent(*identifier, radio, framer, export.EventStop, ""))
	// The status server's config path may still emit; the log drops
	// anything arriving from here on.
	events.Close()

	glog.Flush()
}

func newExporter(cfg config.ExportConfig) export.Exporter {
	switch strings.ToLower(cfg.Output) {
	case "", "none":
		return nil
	case "csv":
		return &export.CSV{}
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.SQLiteFile)
		if err != nil {
			glog.Exitf("unable to open sqlite DB %q: %s", cfg.SQLiteFile, err)
		}
		return &export.SQLite{DB: db}
	case "mysql":
		pass, err := os.ReadFile(cfg.MySQL.PasswordFile)
		if err != nil {
			glog.Exitf("unable to read MySQL password file %q: %s\n", cfg.MySQL.PasswordFile, err)
		}
		mcfg := mysql.Config{
			User:   cfg.MySQL.User,
			Passwd: strings.TrimSpace(string(pass)),
			Net:    "tcp",
			Addr:   cfg.MySQL.Server,
			DBName: cfg.MySQL.DBName,
		}
		db, err := sql.Open("mysql", mcfg.FormatDSN())
		if err != nil {
			glog.Exitf("unable to open MySQL DB %q: %s", cfg.MySQL.Server, err)
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		return &export.MySQL{DB: db}
	default:
		glog.Exitf("%q is not a supported export method, pick one of: none, csv, sqlite, mysql", cfg.Output)
	}
	return nil
}

func sessionEvent(id string, radio sdr.Source, framer *wire.Framer, typ, detail string) export.Event {
	stats := framer.Stats()
	return export.Event{
		Session:         id,
		Source:          radio.Name(),
		Type:            typ,
		CenterFrequency: radio.Frequency(),
		SampleRate:      radio.SampleRate(),
		Frames:          stats.Frames,
		Datagrams:       stats.Datagrams,
		Bytes:           stats.Bytes,
		Detail:          detail,
		Time:            time.Now(),
	}
}

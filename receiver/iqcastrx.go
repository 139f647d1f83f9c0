// iqcastrx receives an I/Q stream from iqcastd and writes the
// reconstructed interleaved samples to a file or stdout.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/iqcast/iqcast/export"
	"github.com/iqcast/iqcast/sdr"
	"github.com/iqcast/iqcast/wire"

	// Blind import support for sqlite3 used by the sqlite exporter.
	_ "github.com/mattn/go-sqlite3"
)

// Flags
var (
	identifier = flag.String("id", "", "unique identifier of this receive session (defaults to a random UUID)")
	listen     = flag.String("listen", ":9090", "UDP address to receive the stream on")
	output     = flag.String("output", "-", "file to write interleaved I/Q samples to, - for stdout")

	exportMethod      = flag.String("export", "none", "method to export session events with (one of: none, csv, sqlite, mysql)")
	sqliteFile        = flag.String("sqliteFile", "/tmp/iqcast.db", "file path of the sqlite DB to export to")
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL server to export to")
	mysqlUser         = flag.String("mysqlUser", "iqcast", "username to connect to MySQL with")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "file containing the password to connect to MySQL with")
	mysqlDBName       = flag.String("mysqlDBName", "iqcast", "name of the DB to export to on the MySQL server")

	statsInterval = flag.Duration("statsInterval", 30*time.Second, "interval between frame-stats session events")
)

// maxDatagram caps a single read. Senders use payloads well below this.
const maxDatagram = 65536

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

	// Exporter setup.
	events := export.NewLog(100)
	exporter := newExporter()
	if exporter != nil {
		go func() {
			if err := exporter.Write(ctx, events.Events()); err != nil {
				glog.Fatal(err)
			}
		}()
	}

	// Output setup.
	out := os.Stdout
	if *output != "-" {
		var err error
		out, err = os.Create(*output)
		if err != nil {
			glog.Exitf("unable to open output file %q: %s", *output, err)
		}
		defer out.Close()
	}
	sink := bufio.NewWriter(out)
	defer sink.Flush()

	// Socket setup.
	laddr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		glog.Exitf("unable to resolve %q: %s", *listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		glog.Exitf("unable to listen on %q: %s", *listen, err)
	}

	rec, err := wire.NewReconstructor()
	if err != nil {
		glog.Exit(err)
	}

	// A signal closes the socket, which unblocks the read loop.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		glog.Infof("received %s, stopping\n", s)
		conn.Close()
	}()

	statsDone := make(chan struct{})
	statsExited := make(chan struct{})
	go func() {
		defer close(statsExited)
		ticker := time.NewTicker(*statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-statsDone:
				return
			case <-ticker.C:
				events.Emit(sessionEvent(rec, export.EventFrameStats, ""))
			}
		}
	}()

	events.Emit(sessionEvent(rec, export.EventStart, *listen))
	glog.Infof("listening for I/Q stream on %s\n", conn.LocalAddr())

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				glog.Errorf("read: %s\n", err)
			}
			break
		}
		ev := rec.Ingest(buf[:n])
		switch ev.Kind {
		case wire.EventHeaderChanged:
			glog.Infof("stream configuration: %s\n", ev.Header)
			events.Emit(sessionEvent(rec, export.EventConfigChange, ev.Header.String()))
		case wire.EventSamplesReady:
			if err := writeSamples(sink, ev.Samples); err != nil {
				glog.Exitf("unable to write samples: %s", err)
			}
		case wire.EventChecksumMismatch:
			glog.Warningf("dropped corrupted header: %s\n", ev.Err)
		case wire.EventOutOfSync:
			glog.Warningf("lost framing, resynchronizing: %s\n", ev.Err)
			events.Emit(sessionEvent(rec, export.EventResync, ev.Err.Error()))
		}
	}

	close(statsDone)
	<-statsExited
	events.Emit(sessionEvent(rec, export.EventStop, ""))
	events.Close()

	stats := rec.Stats()
	glog.Infof("session ended: %d frames, %d datagrams, %d resyncs\n",
		stats.Frames, stats.Datagrams, stats.Resyncs)
	glog.Flush()
}

// writeSamples appends a batch as interleaved little-endian int16 pairs.
func writeSamples(w *bufio.Writer, samples sdr.Batch) error {
	var pair [4]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(pair[0:2], uint16(s.I))
		binary.LittleEndian.PutUint16(pair[2:4], uint16(s.Q))
		if _, err := w.Write(pair[:]); err != nil {
			return err
		}
	}
	return nil
}

func newExporter() export.Exporter {
	switch strings.ToLower(*exportMethod) {
	case "", "none":
		return nil
	case "csv":
		return &export.CSV{}
	case "sqlite":
		db, err := sql.Open("sqlite3", *sqliteFile)
		if err != nil {
			glog.Exitf("unable to open sqlite DB %q: %s", *sqliteFile, err)
		}
		return &export.SQLite{DB: db}
	case "mysql":
		pass, err := os.ReadFile(*mysqlPasswordFile)
		if err != nil {
			glog.Exitf("unable to read MySQL password file %q: %s\n", *mysqlPasswordFile, err)
		}
		cfg := mysql.Config{
			User:   *mysqlUser,
			Passwd: strings.TrimSpace(string(pass)),
			Net:    "tcp",
			Addr:   *mysqlServer,
			DBName: *mysqlDBName,
		}
		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			glog.Exitf("unable to open MySQL DB %q: %s", *mysqlServer, err)
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		return &export.MySQL{DB: db}
	default:
		glog.Exitf("%q is not a supported export method, pick one of: none, csv, sqlite, mysql", *exportMethod)
	}
	return nil
}

func sessionEvent(rec *wire.Reconstructor, typ, detail string) export.Event {
	stats := rec.Stats()
	e := export.Event{
		Session:   *identifier,
		Source:    "receiver",
		Type:      typ,
		Frames:    stats.Frames,
		Datagrams: stats.Datagrams,
		Detail:    detail,
		Time:      time.Now(),
	}
	if hdr, ok := rec.CurrentHeader(); ok {
		e.CenterFrequency = hdr.CenterFrequency
		e.SampleRate = hdr.SampleRate
	}
	return e
}

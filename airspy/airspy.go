// Package airspy captures I/Q samples from an Airspy R2 / Mini by
// driving the vendor's airspy_rx utility and reading raw 16 bit I/Q
// from its stdout.
package airspy

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/iqcast/iqcast/control"
	"github.com/iqcast/iqcast/sdr"
)

const (
	SourceName   = "airspy"
	captureAlias = "airspy_rx"

	minFrequency = 24000000
	maxFrequency = 1800000000

	// batchSamples is the batch handed to the queue per read, at device
	// rate before decimation.
	batchSamples = 16384
)

var (
	lnaGains   = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	mixerGains = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	vgaGains   = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

	// defaultRates covers the Airspy R2; Mini devices override via the
	// SampleRates field.
	defaultRates = []uint32{10000000, 2500000}
)

type params struct {
	frequency  uint64
	sampleRate uint32
	ppm        float64
	lnaGain    int
	mixGain    int
	vgaGain    int
	antBias    bool
	lnaAGC     bool
	mixAGC     bool
	fcPos      int // 0 infradyne, 1 supradyne, 2 centered
	log2Decim  int
}

// Source runs one capture subprocess per session and restarts it when
// the configuration changes. It owns the process exclusively.
type Source struct {
	Identifier string
	// Control, when set, is polled between reads on the capture loop.
	Control control.Channel
	// SampleRates overrides the supported device rates.
	SampleRates []uint32

	mu      sync.Mutex
	p       params
	cmd     *exec.Cmd
	stop    atomic.Bool
	restart atomic.Bool
}

func New(identifier string) *Source {
	return &Source{
		Identifier: identifier,
		p: params{
			frequency:  100000000,
			sampleRate: defaultRates[0],
			lnaGain:    8,
			mixGain:    8,
			fcPos:      2,
		},
	}
}

func (s *Source) Name() string { return SourceName }

func (s *Source) SampleRate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.sampleRate >> s.p.log2Decim
}

func (s *Source) Frequency() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.frequency
}

func (s *Source) SampleBits() uint8 { return 12 }

func (s *Source) rates() []uint32 {
	if len(s.SampleRates) > 0 {
		return s.SampleRates
	}
	return defaultRates
}

func ratesString(rates []uint32) string {
	parts := make([]string, len(rates))
	for i, r := range rates {
		parts[i] = strconv.FormatUint(uint64(r), 10)
	}
	return strings.Join(parts, " ")
}

func gainsString(gains []int) string {
	parts := make([]string, len(gains))
	for i, g := range gains {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, " ")
}

func containsInt(list []int, v int) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// Configure validates and applies a key=value update. The whole update
// is validated before anything is applied: any invalid key rejects all
// of it and leaves the capture unchanged. On success the capture
// subprocess is restarted with the new settings.
func (s *Source) Configure(kv map[string]string) error {
	s.mu.Lock()
	staged := s.p
	s.mu.Unlock()

	if v, ok := kv["freq"]; ok {
		freq, err := strconv.ParseUint(v, 10, 64)
		if err != nil || freq < minFrequency || freq > maxFrequency {
			return fmt.Errorf("invalid frequency %q: must be %d to %d Hz", v, minFrequency, maxFrequency)
		}
		staged.frequency = freq
	}
	if v, ok := kv["srate"]; ok {
		if strings.EqualFold(v, "list") {
			return fmt.Errorf("available sample rates (Hz): %s", ratesString(s.rates()))
		}
		rate, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid sample rate %q", v)
		}
		found := false
		for _, r := range s.rates() {
			if r == uint32(rate) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("invalid sample rate %d: available (Hz): %s", rate, ratesString(s.rates()))
		}
		staged.sampleRate = uint32(rate)
	}
	if v, ok := kv["lgain"]; ok {
		if strings.EqualFold(v, "list") {
			return fmt.Errorf("available LNA gains (dB): %s", gainsString(lnaGains))
		}
		g, err := strconv.Atoi(v)
		if err != nil || !containsInt(lnaGains, g) {
			return fmt.Errorf("LNA gain %q not supported: available (dB): %s", v, gainsString(lnaGains))
		}
		staged.lnaGain = g
	}
	if v, ok := kv["mgain"]; ok {
		if strings.EqualFold(v, "list") {
			return fmt.Errorf("available mixer gains (dB): %s", gainsString(mixerGains))
		}
		g, err := strconv.Atoi(v)
		if err != nil || !containsInt(mixerGains, g) {
			return fmt.Errorf("mixer gain %q not supported: available (dB): %s", v, gainsString(mixerGains))
		}
		staged.mixGain = g
	}
	if v, ok := kv["vgain"]; ok {
		if strings.EqualFold(v, "list") {
			return fmt.Errorf("available VGA gains (dB): %s", gainsString(vgaGains))
		}
		g, err := strconv.Atoi(v)
		if err != nil || !containsInt(vgaGains, g) {
			return fmt.Errorf("VGA gain %q not supported: available (dB): %s", v, gainsString(vgaGains))
		}
		staged.vgaGain = g
	}
	if v, ok := kv["antbias"]; ok {
		staged.antBias = v == "1"
	}
	if v, ok := kv["lagc"]; ok {
		staged.lnaAGC = v == "1"
	}
	if v, ok := kv["magc"]; ok {
		staged.mixAGC = v == "1"
	}
	if _, ok := kv["ppmp"]; ok {
		if _, both := kv["ppmn"]; both {
			return fmt.Errorf("ppmp and ppmn are mutually exclusive")
		}
	}
	if v, ok := kv["ppmp"]; ok {
		ppm, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ppmp %q", v)
		}
		staged.ppm = ppm
	}
	if v, ok := kv["ppmn"]; ok {
		ppm, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ppmn %q", v)
		}
		staged.ppm = -ppm
	}
	if v, ok := kv["fcpos"]; ok {
		pos, err := strconv.Atoi(v)
		if err != nil || pos < 0 || pos > 2 {
			return fmt.Errorf("invalid center frequency position %q: must be 0, 1 or 2", v)
		}
		staged.fcPos = pos
	}
	if v, ok := kv["decim"]; ok {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 || d > 6 {
			return fmt.Errorf("invalid log2 decimation factor %q: must be 0 to 6", v)
		}
		staged.log2Decim = d
	}

	s.mu.Lock()
	s.p = staged
	cmd := s.cmd
	s.mu.Unlock()

	s.restart.Store(true)
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	return nil
}

// tunerFrequency applies the center position offset and ppm correction
// the way the hardware is actually tuned.
func (p *params) tunerFrequency() uint64 {
	f := float64(p.frequency)
	switch p.fcPos {
	case 0: // infradyne
		f += 0.25 * float64(p.sampleRate)
	case 1: // supradyne
		f -= 0.25 * float64(p.sampleRate)
	}
	f += f * p.ppm * 1e-6
	return uint64(f)
}

func (s *Source) args() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	args := []string{
		"-r", "-", // raw samples to stdout
		"-f", fmt.Sprintf("%.6f", float64(s.p.tunerFrequency())/1e6),
		"-a", strconv.FormatUint(uint64(s.p.sampleRate), 10),
		"-t", "2", // INT16 IQ
		"-l", strconv.Itoa(s.p.lnaGain),
		"-m", strconv.Itoa(s.p.mixGain),
		"-v", strconv.Itoa(s.p.vgaGain),
	}
	if s.p.antBias {
		args = append(args, "-b", "1")
	}
	return args
}

// Start runs the capture loop until Stop is called or the subprocess
// fails. Between reads it polls the control channel; a read at device
// rate fills a batch in about a millisecond, which bounds the poll
// latency.
func (s *Source) Start(q *sdr.Queue) error {
	s.stop.Store(false)
	for !s.stop.Load() {
		s.restart.Store(false)
		if err := s.runOnce(q); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests the capture loop to end and kills any running
// subprocess to unblock the read.
func (s *Source) Stop() error {
	s.stop.Store(true)
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (s *Source) runOnce(q *sdr.Queue) error {
	cmd := exec.Command(captureAlias, s.args()...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("unable to start capture: %w", err)
	}
	glog.Infof("running Airspy capture: %q\n", cmd)

	s.mu.Lock()
	s.cmd = cmd
	decim := s.p.log2Decim
	s.mu.Unlock()

	buf := make([]byte, batchSamples*4)
	for {
		s.pollControl()
		if _, err := io.ReadFull(out, buf); err != nil {
			cmd.Wait()
			s.mu.Lock()
			s.cmd = nil
			s.mu.Unlock()
			if s.stop.Load() || s.restart.Load() {
				return nil
			}
			return fmt.Errorf("capture stream ended: %w", err)
		}
		q.Push(decimate(unpackBatch(buf), decim))
	}
}

// pollControl drains at most one pending control message per batch.
func (s *Source) pollControl() {
	if s.Control == nil {
		return
	}
	msg, ok := s.Control.Recv()
	if !ok {
		return
	}
	kv, err := control.ParseKV(msg)
	if err == nil {
		err = s.Configure(kv)
	}
	if err != nil {
		glog.Warningf("configure: %s\n", err)
		s.Control.Reply(err.Error())
		return
	}
	s.Control.Reply("OK " + msg)
}

func unpackBatch(buf []byte) sdr.Batch {
	batch := make(sdr.Batch, len(buf)/4)
	for i := range batch {
		batch[i] = sdr.Sample{
			I: int16(uint16(buf[i*4]) | uint16(buf[i*4+1])<<8),
			Q: int16(uint16(buf[i*4+2]) | uint16(buf[i*4+3])<<8),
		}
	}
	return batch
}

// decimate reduces the rate by 2^log2Decim with a boxcar average per
// output sample. Crude as filters go but keeps the capture loop free of
// heavy DSP; decimation is a convenience, not a precision feature.
func decimate(batch sdr.Batch, log2Decim int) sdr.Batch {
	if log2Decim == 0 {
		return batch
	}
	factor := 1 << log2Decim
	out := make(sdr.Batch, len(batch)/factor)
	for i := range out {
		var accI, accQ int32
		for j := 0; j < factor; j++ {
			accI += int32(batch[i*factor+j].I)
			accQ += int32(batch[i*factor+j].Q)
		}
		out[i] = sdr.Sample{I: int16(accI / int32(factor)), Q: int16(accQ / int32(factor))}
	}
	return out
}

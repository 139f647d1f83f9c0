// Package airspyhf captures I/Q samples from an Airspy HF+ by driving
// the vendor's airspyhf_rx utility. The HF+ tunes two bands: LF/MF/HF
// up to 31 MHz and VHF between 60 and 260 MHz.
package airspyhf

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
	SourceName   = "airspyhf"
	captureAlias = "airspyhf_rx"

	minLFFrequency  = 9000
	maxLFFrequency  = 31000000
	minVHFFrequency = 60000000
	maxVHFFrequency = 260000000

	batchSamples = 16384
)

// defaultRates covers the HF+ Discovery; override via SampleRates.
var defaultRates = []uint32{768000, 384000, 256000, 192000}

type params struct {
	frequency  uint64
	sampleRate uint32
	ppm        float64
	hfAGC      bool
	hfATT      bool
	hfLNA      bool
	log2Decim  int
}

// Source runs one capture subprocess per session and restarts it when
// the configuration changes.
type Source struct {
	Identifier  string
	Control     control.Channel
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
			frequency:  7100000,
			sampleRate: defaultRates[0],
			hfAGC:      true,
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

func validFrequency(freq uint64) bool {
	if freq >= minLFFrequency && freq <= maxLFFrequency {
		return true
	}
	return freq >= minVHFFrequency && freq <= maxVHFFrequency
}

// Configure validates and applies a key=value update, all-or-nothing.
func (s *Source) Configure(kv map[string]string) error {
	s.mu.Lock()
	staged := s.p
	s.mu.Unlock()

	if v, ok := kv["freq"]; ok {
		freq, err := strconv.ParseUint(v, 10, 64)
		if err != nil || !validFrequency(freq) {
			return fmt.Errorf("invalid frequency %q: must be %d Hz to %d Hz or %d Hz to %d Hz",
				v, minLFFrequency, maxLFFrequency, minVHFFrequency, maxVHFFrequency)
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
	if v, ok := kv["hfagc"]; ok {
		staged.hfAGC = v == "1"
	}
	if v, ok := kv["hfatt"]; ok {
		staged.hfATT = v == "1"
	}
	if v, ok := kv["hflna"]; ok {
		staged.hfLNA = v == "1"
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

func (p *params) tunerFrequency() uint64 {
	f := float64(p.frequency)
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
	}
	if s.p.hfAGC {
		args = append(args, "-g", "on")
	}
	if s.p.hfATT {
		args = append(args, "-t", "1")
	}
	if s.p.hfLNA {
		args = append(args, "-l", "1")
	}
	return args
}

// Start runs the capture loop until Stop is called or the subprocess
// fails.
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
	glog.Infof("running Airspy HF capture: %q\n", cmd)

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

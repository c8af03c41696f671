package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       atomic.Bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: SCRIBE_LOG_PATH environment variable
	if envPath := os.Getenv("SCRIBE_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "transcript_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	setWriter(diagFile)
	logReady.Store(true)
	return nil
}

// InitWriter routes diagnostics to w without touching the filesystem.
// Transcript lines are discarded.
func InitWriter(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	pid = os.Getpid()
	setWriter(w)
	logReady.Store(true)
}

func setWriter(w io.Writer) {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady.Load() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func TranscriptText(text string) {
	if !logReady.Load() {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcriptFile.WriteString(line)
}

func SessionStart(id, backend, strategy string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("backend", backend).
		Str("strategy", strategy).
		Msg("session_start")
}

func SessionEnd(id string, updates int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("updates", updates).
		Msg("session_end")
}

func ConnectionState(url, state string, attempt int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("url", url).
		Str("state", state).
		Int("attempt", attempt).
		Msg("connection")
}

type CaptureStatsData struct {
	Strategy      string
	Device        string
	Frames        uint64
	Chunks        uint64
	DroppedFrames uint64
	DroppedChunks uint64
	DurationS     float64
}

func CaptureStats(s CaptureStatsData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("strategy", s.Strategy).
		Str("device", s.Device).
		Uint64("frames", s.Frames).
		Uint64("chunks", s.Chunks).
		Uint64("dropped_frames", s.DroppedFrames).
		Uint64("dropped_chunks", s.DroppedChunks).
		Float64("duration_s", s.DurationS).
		Msg("capture_stats")
}

type SendStatsData struct {
	Sent       uint64
	SentKB     float64
	Dropped    uint64
	Received   uint64
	Malformed  uint64
	Reconnects uint64
}

func SendStats(s SendStatsData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Uint64("sent", s.Sent).
		Float64("sent_kb", s.SentKB).
		Uint64("dropped", s.Dropped).
		Uint64("received", s.Received).
		Uint64("malformed", s.Malformed).
		Uint64("reconnects", s.Reconnects).
		Msg("transport_stats")
}

// Package fetch drives the external retrieval tool (yt-dlp or a compatible
// binary): it resolves the real output filename, downloads into a private
// staging directory and moves the artifact to a collision-free destination.
package fetch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/logger"
)

const (
	// DefaultTemplate names the file after the media title
	DefaultTemplate = "%(title)s.%(ext)s"

	stagingPattern = ".reel-staging-*"
)

// ErrToolFailed marks errors returned by operations that surface tool
// failures as Go errors (ListFormats). Fetch reports them in its Result.
var ErrToolFailed = errors.Wrap(errors.ErrServiceUnavailable, "retrieval tool failed")

// Config configures an Invoker
type Config struct {
	Binary                  string
	CookiesFile             string        // attached with --cookies when the file exists
	ExtraArgs               string        // shell-quoted, appended to every invocation
	Timeout                 time.Duration // per invocation, 0 = none
	MaxInvocationsPerMinute int           // 0 = unlimited
}

// ConfigFromAM extracts the invoker settings from the loaded configuration.
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		Binary:                  cfg.Fetch.Binary,
		CookiesFile:             cfg.Fetch.CookiesFile,
		ExtraArgs:               cfg.Fetch.ExtraArgs,
		Timeout:                 cfg.FetchTimeout(),
		MaxInvocationsPerMinute: cfg.Fetch.MaxInvocationsPerMinute,
	}
}

// Request describes one retrieval.
type Request struct {
	URL            string
	OutputTemplate string // directory plus tool template, e.g. downloads/%(title)s.%(ext)s
	VideoQuality   string
	AudioQuality   string
}

// Invoker runs the retrieval tool. It is safe for concurrent use; each
// Fetch works in its own staging directory.
type Invoker struct {
	runner      Runner
	binary      string
	cookiesFile string
	extraArgs   []string
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *zap.SugaredLogger
}

// NewInvoker validates cfg and returns an Invoker using runner.
func NewInvoker(cfg Config, runner Runner, log *zap.SugaredLogger) (*Invoker, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, errors.WithHint(errors.New("retrieval tool binary is not configured"),
			"set fetch.binary in am.toml or REEL_FETCH_BINARY")
	}
	extra, err := shellquote.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid fetch.extra_args %q", cfg.ExtraArgs)
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = logger.ComponentLogger("fetch")
	}

	inv := &Invoker{
		runner:      runner,
		binary:      cfg.Binary,
		cookiesFile: cfg.CookiesFile,
		extraArgs:   extra,
		timeout:     cfg.Timeout,
		logger:      logger.AddFetchSymbol(log),
	}
	if n := cfg.MaxInvocationsPerMinute; n > 0 {
		inv.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
	return inv, nil
}

// Binary returns the configured tool name.
func (inv *Invoker) Binary() string {
	return inv.binary
}

// Fetch retrieves req.URL and returns the tagged outcome. The staging
// directory is removed on every path; on failure nothing is left at the
// destination.
func (inv *Invoker) Fetch(ctx context.Context, req Request) Result {
	start := time.Now()
	selector := FormatSelector(req.VideoQuality, req.AudioQuality)
	targetDir, baseTemplate := splitTemplate(req.OutputTemplate)
	log := inv.logger.With(logger.FieldURL, req.URL, logger.FieldFormat, selector)

	name, probe := inv.probeFilename(ctx, req.URL, baseTemplate, selector)
	if !probe.Succeeded() {
		log.Infow("Filename probe failed", logger.FieldReason, probe.Reason, logger.FieldError, probe.Err)
		return probe
	}

	if err := os.MkdirAll(targetDir, am.DefaultDirPermissions); err != nil {
		return failure(ReasonFilesystem, errors.Wrapf(err, "failed to create %s", targetDir), "", "")
	}
	staging, err := os.MkdirTemp(targetDir, stagingPattern)
	if err != nil {
		return failure(ReasonFilesystem, errors.Wrap(err, "failed to create staging directory"), "", "")
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warnw("Failed to remove staging directory", logger.FieldPath, staging, logger.FieldError, err)
		}
	}()

	args := []string{"--no-warnings", "-f", selector, "-o", filepath.Join(staging, baseTemplate)}
	stdout, stderr, err := inv.invoke(ctx, inv.withCommonArgs(args, req.URL))
	if err != nil {
		log.Infow("Download failed", logger.FieldExitCode, ExitCode(err), logger.FieldError, err)
		return failure(ReasonToolFailed, err, stdout, stderr)
	}

	staged, err := pickStagedFile(staging, log)
	if err != nil {
		return failure(ReasonFilesystem, err, stdout, stderr)
	}
	if staged == "" {
		log.Warnw("Tool exited cleanly but staged no file")
		return failure(ReasonNoOutput, nil, stdout, stderr)
	}

	dest, err := moveIntoPlace(staged, filepath.Join(targetDir, finalName(name, staged)))
	if err != nil {
		return failure(ReasonFilesystem, err, stdout, stderr)
	}
	if abs, err := filepath.Abs(dest); err == nil {
		dest = abs
	}

	log.Infow("Download complete",
		logger.FieldFile, dest,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	return Result{
		Status:   ResultSuccess,
		FilePath: dest,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

// ProbeFilename asks the tool for the filename it would write for url
// without downloading anything.
func (inv *Invoker) ProbeFilename(ctx context.Context, url, template string) (string, error) {
	_, base := splitTemplate(template)
	name, res := inv.probeFilename(ctx, url, base, FormatSelector(DefaultVideoQuality, DefaultAudioQuality))
	if !res.Succeeded() {
		return "", errors.WithDetail(errors.Wrap(ErrToolFailed, res.Diagnostics()), "operation: filename probe")
	}
	return name, nil
}

func (inv *Invoker) probeFilename(ctx context.Context, url, baseTemplate, selector string) (string, Result) {
	args := []string{"--no-warnings", "--skip-download", "-f", selector, "--print", "filename", "-o", baseTemplate}
	stdout, stderr, err := inv.invoke(ctx, inv.withCommonArgs(args, url))
	if err != nil {
		return "", failure(ReasonToolFailed, err, stdout, stderr)
	}

	name := lastLine(stdout)
	if name == "" {
		return "", failure(ReasonToolFailed, errors.New("filename probe printed nothing"), stdout, stderr)
	}
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", failure(ReasonToolFailed, errors.Newf("filename probe printed unusable name %q", name), stdout, stderr)
	}
	return name, Result{Status: ResultSuccess, Stdout: stdout, Stderr: stderr}
}

// withCommonArgs appends authorization, operator extras and the URL.
func (inv *Invoker) withCommonArgs(args []string, url string) []string {
	if inv.cookiesFile != "" {
		if info, err := os.Stat(inv.cookiesFile); err == nil && info.Mode().IsRegular() {
			args = append(args, "--cookies", inv.cookiesFile)
		}
	}
	args = append(args, inv.extraArgs...)
	return append(args, "--", url)
}

// invoke runs one tool process under the rate limiter and timeout.
func (inv *Invoker) invoke(ctx context.Context, args []string) (string, string, error) {
	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return "", "", errors.Wrap(err, "rate limiter wait aborted")
		}
	}

	runCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	inv.logger.Debugw("Invoking retrieval tool",
		logger.FieldBinary, inv.binary,
		"command", shellquote.Join(append([]string{inv.binary}, args...)...))

	stdout, stderr, err := inv.runner.Run(runCtx, inv.binary, args)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.Wrapf(err, "timed out after %s", inv.timeout)
	}
	return stdout, stderr, err
}

// splitTemplate separates the destination directory from the tool's
// filename template.
func splitTemplate(template string) (dir, base string) {
	template = strings.TrimSpace(template)
	if template == "" {
		return ".", DefaultTemplate
	}
	if strings.HasSuffix(template, string(filepath.Separator)) {
		return filepath.Clean(template), DefaultTemplate
	}
	return filepath.Dir(template), filepath.Base(template)
}

// pickStagedFile returns the largest finished file under staging, or "" if
// there is none. Partial downloads are ignored.
func pickStagedFile(staging string, log *zap.SugaredLogger) (string, error) {
	var (
		best     string
		bestSize int64 = -1
		count    int
	)
	err := filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isPartial(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to scan staging directory")
	}
	if count > 1 {
		log.Warnw("Tool staged several files, keeping the largest",
			logger.FieldCount, count,
			logger.FieldFile, filepath.Base(best))
	}
	return best, nil
}

func isPartial(name string) bool {
	return strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl")
}

// finalName is the probed name, except that the staged extension wins when
// the tool merged into a different container.
func finalName(probed, staged string) string {
	stagedExt := filepath.Ext(staged)
	probedExt := filepath.Ext(probed)
	if stagedExt == "" || strings.EqualFold(stagedExt, probedExt) {
		return probed
	}
	return strings.TrimSuffix(probed, probedExt) + stagedExt
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// Package document wraps the external conversion tools (Ghostscript and
// tiff2pdf) behind a small, stateless API. Every run works on isolated temp
// files that are removed regardless of outcome.
package document

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Converter invokes the configured conversion binaries.
type Converter struct {
	GhostscriptBin string
	TIFF2PDFBin    string
	Timeout        time.Duration
}

// NewConverter builds a converter with the given binaries and per-run timeout.
func NewConverter(gsBin, tiff2pdfBin string, timeout time.Duration) *Converter {
	if gsBin == "" {
		gsBin = "gs"
	}
	if tiff2pdfBin == "" {
		tiff2pdfBin = "tiff2pdf"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Converter{GhostscriptBin: gsBin, TIFF2PDFBin: tiff2pdfBin, Timeout: timeout}
}

// run executes a conversion command under the configured timeout.
func (c *Converter) run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // binaries come from configuration, args from temp paths
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", filepath.Base(name), c.Timeout)
		}
		// Tool output is logged upstream, never surfaced to clients.
		return fmt.Errorf("%s failed: %w (%s)", filepath.Base(name), err, firstLine(stderr.String()))
	}
	return nil
}

// TextToPDF wraps plain text in a minimal letter-size PDF via Ghostscript's
// pdfwrite device, feeding it PostScript generated from the text.
func (c *Converter) TextToPDF(ctx context.Context, text []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "faxbot-txt2pdf-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	psPath := filepath.Join(dir, "in.ps")
	pdfPath := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(psPath, textToPostScript(text), 0600); err != nil {
		return nil, fmt.Errorf("writing temp ps: %w", err)
	}

	err = c.run(ctx, c.GhostscriptBin,
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=pdfwrite",
		"-sPAPERSIZE=letter",
		"-sOutputFile="+pdfPath,
		psPath,
	)
	if err != nil {
		return nil, err
	}
	out, err := os.ReadFile(pdfPath) //nolint:gosec // temp path owned by this run
	if err != nil {
		return nil, fmt.Errorf("reading converted pdf: %w", err)
	}
	return out, nil
}

// PDFToTIFF produces a Group 4 compressed TIFF at fax resolution (204x196
// DPI class), suitable for T.38 transmission.
func (c *Converter) PDFToTIFF(ctx context.Context, pdf []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "faxbot-pdf2tiff-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	pdfPath := filepath.Join(dir, "in.pdf")
	tiffPath := filepath.Join(dir, "out.tiff")
	if err := os.WriteFile(pdfPath, pdf, 0600); err != nil {
		return nil, fmt.Errorf("writing temp pdf: %w", err)
	}

	err = c.run(ctx, c.GhostscriptBin,
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=tiffg4",
		"-r204x196",
		"-dFIXEDMEDIA", "-dPDFFitPage",
		"-sPAPERSIZE=letter",
		"-sOutputFile="+tiffPath,
		pdfPath,
	)
	if err != nil {
		return nil, err
	}
	out, err := os.ReadFile(tiffPath) //nolint:gosec // temp path owned by this run
	if err != nil {
		return nil, fmt.Errorf("reading converted tiff: %w", err)
	}
	return out, nil
}

// TIFFToPDF converts a received TIFF (from ReceiveFAX) into a PDF.
func (c *Converter) TIFFToPDF(ctx context.Context, tiff []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "faxbot-tiff2pdf-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	tiffPath := filepath.Join(dir, "in.tiff")
	pdfPath := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(tiffPath, tiff, 0600); err != nil {
		return nil, fmt.Errorf("writing temp tiff: %w", err)
	}

	if err := c.run(ctx, c.TIFF2PDFBin, "-o", pdfPath, tiffPath); err != nil {
		return nil, err
	}
	out, err := os.ReadFile(pdfPath) //nolint:gosec // temp path owned by this run
	if err != nil {
		return nil, fmt.Errorf("reading converted pdf: %w", err)
	}
	return out, nil
}

var pageCountRe = regexp.MustCompile(`^\d+$`)

// CountPages asks Ghostscript for the PDF page count. When Ghostscript
// cannot answer, a structural scan of page objects is used as an estimate.
func (c *Converter) CountPages(ctx context.Context, pdf []byte) (int, error) {
	dir, err := os.MkdirTemp("", "faxbot-pages-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	pdfPath := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0600); err != nil {
		return 0, fmt.Errorf("writing temp pdf: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	//nolint:gosec // binary from configuration, path owned by this run
	cmd := exec.CommandContext(runCtx, c.GhostscriptBin,
		"-q", "-dNODISPLAY", "--permit-file-read="+pdfPath,
		"-c", fmt.Sprintf("(%s) (r) file runpdfbegin pdfpagecount = quit", pdfPath),
	)
	out, err := cmd.Output()
	if err == nil {
		s := strings.TrimSpace(string(out))
		if pageCountRe.MatchString(s) {
			n, _ := strconv.Atoi(s)
			if n > 0 {
				return n, nil
			}
		}
	}

	if n := scanPageObjects(pdf); n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("could not determine page count")
}

var pageObjRe = regexp.MustCompile(`/Type\s*/Page[^s]`)

// scanPageObjects counts /Type /Page dictionary entries. Works on
// uncompressed object streams only; good enough as a fallback estimate.
func scanPageObjects(pdf []byte) int {
	return len(pageObjRe.FindAll(pdf, -1))
}

// textToPostScript renders text as Courier 10pt with naive wrapping at 80
// columns and 60 lines per page.
func textToPostScript(text []byte) []byte {
	const (
		cols        = 80
		rows        = 60
		leftMargin  = 40
		topStart    = 750
		lineHeight  = 12
	)

	var b bytes.Buffer
	b.WriteString("%!PS-Adobe-3.0\n/Courier findfont 10 scalefont setfont\n")

	lines := splitWrapped(string(text), cols)
	row := 0
	pageOpen := false
	for _, line := range lines {
		if row == 0 {
			pageOpen = true
		}
		y := topStart - row*lineHeight
		fmt.Fprintf(&b, "%d %d moveto (%s) show\n", leftMargin, y, escapePS(line))
		row++
		if row >= rows {
			b.WriteString("showpage\n")
			row = 0
			pageOpen = false
		}
	}
	if pageOpen || len(lines) == 0 {
		b.WriteString("showpage\n")
	}
	return b.Bytes()
}

func splitWrapped(s string, width int) []string {
	var out []string
	for _, raw := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if raw == "" {
			out = append(out, "")
			continue
		}
		for len(raw) > width {
			out = append(out, raw[:width])
			raw = raw[width:]
		}
		out = append(out, raw)
	}
	return out
}

func escapePS(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

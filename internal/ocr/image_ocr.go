package ocr

import (
	"fmt"
	"path/filepath"
	"time"
)

// RecognizeInvocation runs tesseract on one image and prints the text to stdout.
//
//	tesseract <image> stdout -l <lang> [--psm N] [--oem N] [--tessdata-dir D]
func (t *Tools) RecognizeInvocation(image string, timeout time.Duration) Invocation {
	return t.RecognizeInvocationLang(image, t.cfg.TesseractLang, timeout)
}

// RecognizeInvocationLang is RecognizeInvocation with a per-job language override.
func (t *Tools) RecognizeInvocationLang(image, lang string, timeout time.Duration) Invocation {
	if lang == "" {
		lang = t.cfg.TesseractLang
	}
	args := []string{image, "stdout", "-l", lang}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprintf("%d", t.cfg.PSM))
	}
	if t.cfg.OEM > 0 {
		args = append(args, "--oem", fmt.Sprintf("%d", t.cfg.OEM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	return Invocation{
		Name:    t.cfg.Tesseract,
		Args:    args,
		Dir:     filepath.Dir(image),
		Timeout: timeout,
	}
}

// Package gate decides whether a captured dispenser photo is acceptable
// for upload against its prescription's expected dosage state.
package gate

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/pillbox/laporbox/internal/schema"
	"github.com/pillbox/laporbox/internal/vision"
)

// Verdict is the outcome of validating one captured image.
type Verdict int

const (
	// Accept means the image passed validation and may be uploaded.
	Accept Verdict = iota
	// RejectQuality means the image is too blurry or dark to count pills.
	RejectQuality
	// RejectDosageMismatch means the pill count in the active compartment
	// did not match the expected count.
	RejectDosageMismatch
	// RejectDailyLimit means the day's dosage cap is already met.
	RejectDailyLimit
	// VerdictError means validation could not complete (transient).
	VerdictError
)

// String returns a human-readable representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectQuality:
		return "reject_quality"
	case RejectDosageMismatch:
		return "reject_dosage_mismatch"
	case RejectDailyLimit:
		return "reject_daily_limit"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the verdict permanently removes the report
// from the queue, as opposed to scheduling a retry.
func (v Verdict) Terminal() bool {
	return v == RejectQuality || v == RejectDosageMismatch || v == RejectDailyLimit
}

// Inference reply literals. Anything else maps to VerdictError.
const (
	replyAccept   = "TRUE"
	replyMismatch = "FALSE_TIDAK_PATUH"
	replyQuality  = "FALSE_KUALITAS"
)

const pillsPerCompartment = 3

// Gate runs the validation algorithm. Aside from the single inference
// call it is pure, so a run that ends in VerdictError is safe to retry
// in full.
type Gate struct {
	judge vision.Judge
}

// New creates a Gate backed by the given inference judge.
func New(judge vision.Judge) *Gate {
	return &Gate{judge: judge}
}

// Result carries the verdict and, for VerdictError, the reason.
type Result struct {
	Verdict Verdict
	Reason  string
}

// Validate checks one captured image against the prescription's expected
// dosage state. reportsToday is the count of reports already recorded for
// the current calendar day.
//
// The daily-limit check runs before any inference call, so a capped day
// never spends an inference request.
func (g *Gate) Validate(ctx context.Context, image []byte, mediaType string, p *schema.Prescription, reportsToday int) Result {
	if limit := DailyCap(p.Frequency); reportsToday >= limit {
		return Result{Verdict: RejectDailyLimit}
	}

	compartment, expected := ExpectedState(p.TotalReports)
	instruction := buildInstruction(compartment, expected)

	reply, err := g.judge.Evaluate(ctx, image, mediaType, instruction)
	if err != nil {
		return Result{Verdict: VerdictError, Reason: fmt.Sprintf("inference failed: %v", err)}
	}

	switch reply {
	case replyAccept:
		return Result{Verdict: Accept}
	case replyMismatch:
		return Result{Verdict: RejectDosageMismatch}
	case replyQuality:
		return Result{Verdict: RejectQuality}
	case "":
		return Result{Verdict: VerdictError, Reason: "empty inference reply"}
	default:
		return Result{Verdict: VerdictError, Reason: fmt.Sprintf("malformed inference reply %q", reply)}
	}
}

// ExpectedState derives the active compartment number and the pill count
// expected in it from the running total of reported doses.
//
// The dispenser geometry is not persisted anywhere: this formula IS the
// geometry (10 compartments, 3 pills each, filled in row order). A dropped
// or missed report shifts every later expectation, so the formula must not
// be "corrected" independently of the counter.
func ExpectedState(totalReports int64) (compartment, expectedPills int) {
	compartment = int(totalReports/pillsPerCompartment)%10 + 1
	taken := int(totalReports % pillsPerCompartment)
	expectedPills = pillsPerCompartment - (taken + 1)
	return compartment, expectedPills
}

// DailyCap parses the day's dosage cap from the dosage-frequency text:
// the first digit character, defaulting to 1 when unparseable.
func DailyCap(frequency string) int {
	for _, r := range frequency {
		if unicode.IsDigit(r) {
			return int(r - '0')
		}
	}
	return 1
}

// buildInstruction generates the inference instruction for the target
// compartment, constraining the reply to the three literal tokens.
func buildInstruction(compartment, expectedPills int) string {
	return strings.TrimSpace(fmt.Sprintf(`
PERAN: Anda adalah AI validator gambar pillbox. Jawab HANYA dengan "TRUE", "FALSE_TIDAK_PATUH", atau "FALSE_KUALITAS".

TUGAS ANDA:
1. Temukan kompartemen nomor %[1]d pada gambar. Urutan: baris bawah (kiri ke kanan), lalu baris atas (kanan ke kiri).
2. Hitung jumlah pil HANYA di dalam kompartemen nomor %[1]d.
3. Jumlah pil yang benar seharusnya adalah %[2]d.

ATURAN RESPON:
- Jika kualitas gambar buruk (buram/gelap) sehingga Anda tidak bisa menghitung, JAWAB: "FALSE_KUALITAS".
- Jika gambar jelas tetapi jumlah pil di kompartemen %[1]d TIDAK SAMA DENGAN %[2]d, JAWAB: "FALSE_TIDAK_PATUH".
- Jika gambar jelas DAN jumlah pil di kompartemen %[1]d TEPAT SAMA DENGAN %[2]d, JAWAB: "TRUE".
`, compartment, expectedPills))
}

package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pillbox/laporbox/internal/schema"
)

// fakeJudge returns a scripted reply and records the instruction it was
// given.
type fakeJudge struct {
	reply       string
	err         error
	calls       int
	instruction string
}

func (f *fakeJudge) Evaluate(ctx context.Context, image []byte, mediaType, instruction string) (string, error) {
	f.calls++
	f.instruction = instruction
	return f.reply, f.err
}

// TestExpectedState exercises the compartment/pill-count derivation across
// compartment boundaries and the 30-dose wraparound.
func TestExpectedState(t *testing.T) {
	tests := []struct {
		totalReports    int64
		wantCompartment int
		wantPills       int
	}{
		{0, 1, 2},  // first dose: compartment 1 goes 3 -> 2
		{1, 1, 1},  // second dose in the same compartment
		{2, 1, 0},  // compartment 1 emptied
		{3, 2, 2},  // advance to compartment 2
		{29, 10, 0},
		{30, 1, 2}, // refill wraparound
	}

	for _, tt := range tests {
		comp, pills := ExpectedState(tt.totalReports)
		if comp != tt.wantCompartment || pills != tt.wantPills {
			t.Errorf("ExpectedState(%d) = (%d, %d), want (%d, %d)",
				tt.totalReports, comp, pills, tt.wantCompartment, tt.wantPills)
		}
	}
}

// TestDailyCap verifies the first-digit parse with the default of 1.
func TestDailyCap(t *testing.T) {
	tests := []struct {
		frequency string
		want      int
	}{
		{"3x sehari", 3},
		{"2x1", 2},
		{"sekali sehari", 1},
		{"", 1},
		{"sesudah makan 4 kali", 4},
	}

	for _, tt := range tests {
		if got := DailyCap(tt.frequency); got != tt.want {
			t.Errorf("DailyCap(%q) = %d, want %d", tt.frequency, got, tt.want)
		}
	}
}

func testPrescription() *schema.Prescription {
	return &schema.Prescription{
		ID:           "rx-1",
		UserID:       "user-1",
		Medication:   "Amoxicillin",
		Frequency:    "3x sehari",
		TotalReports: 4,
	}
}

// TestValidateVerdictMapping checks the mapping from reply literals to
// verdicts.
func TestValidateVerdictMapping(t *testing.T) {
	tests := []struct {
		reply string
		want  Verdict
	}{
		{"TRUE", Accept},
		{"FALSE_TIDAK_PATUH", RejectDosageMismatch},
		{"FALSE_KUALITAS", RejectQuality},
		{"", VerdictError},
		{"MAYBE", VerdictError},
	}

	for _, tt := range tests {
		g := New(&fakeJudge{reply: tt.reply})
		res := g.Validate(context.Background(), []byte("img"), "image/jpeg", testPrescription(), 0)
		if res.Verdict != tt.want {
			t.Errorf("reply %q: verdict = %s, want %s", tt.reply, res.Verdict, tt.want)
		}
	}
}

// TestValidateJudgeError verifies a failed inference call maps to
// VerdictError with a reason.
func TestValidateJudgeError(t *testing.T) {
	g := New(&fakeJudge{err: errors.New("connection reset")})

	res := g.Validate(context.Background(), []byte("img"), "image/jpeg", testPrescription(), 0)
	if res.Verdict != VerdictError {
		t.Fatalf("verdict = %s, want error", res.Verdict)
	}
	if res.Reason == "" {
		t.Error("error verdict carries no reason")
	}
}

// TestValidateDailyLimitSkipsInference verifies a capped day short-circuits
// before any inference spend.
func TestValidateDailyLimitSkipsInference(t *testing.T) {
	judge := &fakeJudge{reply: "TRUE"}
	g := New(judge)

	res := g.Validate(context.Background(), []byte("img"), "image/jpeg", testPrescription(), 3)
	if res.Verdict != RejectDailyLimit {
		t.Fatalf("verdict = %s, want reject_daily_limit", res.Verdict)
	}
	if judge.calls != 0 {
		t.Errorf("judge called %d times on a capped day, want 0", judge.calls)
	}
}

// TestValidateInstructionTargetsCompartment verifies the instruction names
// the compartment and pill count derived from the running total.
func TestValidateInstructionTargetsCompartment(t *testing.T) {
	judge := &fakeJudge{reply: "TRUE"}
	g := New(judge)

	p := testPrescription()
	p.TotalReports = 4 // compartment 2, 1 pill expected
	g.Validate(context.Background(), []byte("img"), "image/jpeg", p, 0)

	if !strings.Contains(judge.instruction, "kompartemen nomor 2") {
		t.Errorf("instruction does not target compartment 2:\n%s", judge.instruction)
	}
	if !strings.Contains(judge.instruction, "seharusnya adalah 1") {
		t.Errorf("instruction does not expect 1 pill:\n%s", judge.instruction)
	}
}

// TestVerdictTerminal verifies the retry/terminal partition.
func TestVerdictTerminal(t *testing.T) {
	for _, v := range []Verdict{RejectQuality, RejectDosageMismatch, RejectDailyLimit} {
		if !v.Terminal() {
			t.Errorf("%s should be terminal", v)
		}
	}
	for _, v := range []Verdict{Accept, VerdictError} {
		if v.Terminal() {
			t.Errorf("%s should not be terminal", v)
		}
	}
}

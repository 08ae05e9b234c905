package stratum

import "testing"

func TestProgPoWDeriveJobMissingHeaderIsFatal(t *testing.T) {
	_, err := NewProgPoW().DeriveJob(map[string]interface{}{})
	if _, ok := err.(*FatalConfigError); !ok {
		t.Fatalf("err = %T, want *FatalConfigError", err)
	}
}

func TestProgPoWDeriveJobMissingNextEpochIsFatal(t *testing.T) {
	raw := map[string]interface{}{"pprpcheader": "abcd"}
	_, err := NewProgPoW().DeriveJob(raw)
	if _, ok := err.(*FatalConfigError); !ok {
		t.Fatalf("err = %T, want *FatalConfigError", err)
	}
}

func TestProgPoWDeriveJobUsesHeaderAsJobID(t *testing.T) {
	raw := map[string]interface{}{
		"pprpcheader":    "deadbeef",
		"pprpcnextepoch": "1",
		"longpollid":     "lp1",
		"target":         "00000000ffff0000000000000000000000000000000000000000000000000",
		"height":         float64(100),
	}
	job, err := NewProgPoW().DeriveJob(raw)
	if err != nil {
		t.Fatalf("DeriveJob: %v", err)
	}
	if job.JobID != "deadbeef" {
		t.Errorf("JobID = %q, want deadbeef", job.JobID)
	}
	if job.Height != 100 {
		t.Errorf("Height = %d, want 100", job.Height)
	}
}

func TestRandomXDeriveJobMissingHeaderIsNotFatal(t *testing.T) {
	_, err := NewRandomX().DeriveJob(map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*FatalConfigError); ok {
		t.Fatal("expected non-fatal error for randomx missing header")
	}
}

func TestRandomXDeriveJobIDIsSHA256OfHeader(t *testing.T) {
	raw := map[string]interface{}{"rxrpcheader": "hello"}
	job, err := NewRandomX().DeriveJob(raw)
	if err != nil {
		t.Fatalf("DeriveJob: %v", err)
	}
	// sha256("hello") = 2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if job.JobID != want {
		t.Errorf("JobID = %q, want %q", job.JobID, want)
	}
}

func TestRandomXDeriveJobIDDeterministic(t *testing.T) {
	raw := map[string]interface{}{"rxrpcheader": "samevalue"}
	a, err := NewRandomX().DeriveJob(raw)
	if err != nil {
		t.Fatalf("DeriveJob: %v", err)
	}
	b, err := NewRandomX().DeriveJob(raw)
	if err != nil {
		t.Fatalf("DeriveJob: %v", err)
	}
	if a.JobID != b.JobID {
		t.Errorf("job id not deterministic: %q != %q", a.JobID, b.JobID)
	}
}

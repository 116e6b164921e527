package envelope

import "testing"

func TestSignerVerify_RoundTrip(t *testing.T) {
	s := NewSigner([]byte("shared-secret"))
	e, err := New(KindEvent, "agent:kasra", "squad:core", map[string]string{"note": "hello"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Sign(e); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Verify(e); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignerVerify_RejectsTamperedPayload(t *testing.T) {
	s := NewSigner([]byte("shared-secret"))
	e, _ := New(KindEvent, "agent:kasra", "squad:core", map[string]string{"note": "hello"})
	if _, err := s.Sign(e); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e.Payload = []byte(`{"note":"tampered"}`)
	if err := s.Verify(e); err == nil {
		t.Error("expected verification failure on tampered payload")
	}
}

func TestSignerVerify_WrongKeyFails(t *testing.T) {
	e, _ := New(KindEvent, "agent:kasra", "squad:core", map[string]string{"note": "hello"})
	if _, err := NewSigner([]byte("key-a")).Sign(e); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := NewSigner([]byte("key-b")).Verify(e); err == nil {
		t.Error("expected verification failure under wrong key")
	}
}

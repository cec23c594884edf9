package jsonrpc

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want Kind
	}{
		{"response with result", Message{ID: float64(1), Result: []byte("42")}, KindResponse},
		{"response with error", Message{ID: float64(1), Error: &Error{Code: CodeInternalError, Message: "boom"}}, KindResponse},
		{"notification", Message{Method: "tools/didChange"}, KindNotification},
		{"incoming request", Message{ID: float64(7), Method: "sampling/createMessage"}, KindRequest},
		{"unknown empty", Message{}, KindUnknown},
		{"unknown id only", Message{ID: float64(3)}, KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(&c.msg); got != c.want {
				t.Errorf("Classify(%+v) = %v, want %v", c.msg, got, c.want)
			}
		})
	}
}

func TestNormalizeID(t *testing.T) {
	if got := NormalizeID(float64(5)); got != int64(5) {
		t.Errorf("NormalizeID(float64(5)) = %v, want int64(5)", got)
	}
	if got := NormalizeID("abc"); got != "abc" {
		t.Errorf("NormalizeID(%q) = %v, want unchanged", "abc", got)
	}
}

func TestNewRequestRoundTrip(t *testing.T) {
	msg, err := NewRequest(int64(1), "tools/call", map[string]string{"name": "echo"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if msg.Method != "tools/call" || msg.JSONRPC != Version {
		t.Errorf("unexpected request shape: %+v", msg)
	}
	if Classify(msg) != KindRequest {
		t.Errorf("Classify(built request) = %v, want KindRequest", Classify(msg))
	}
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse(int64(2), CodeMethodNotFound, "unknown method")
	if Classify(msg) != KindResponse {
		t.Errorf("Classify(error response) = %v, want KindResponse", Classify(msg))
	}
	if msg.Error.Code != CodeMethodNotFound {
		t.Errorf("Error.Code = %d, want %d", msg.Error.Code, CodeMethodNotFound)
	}
}

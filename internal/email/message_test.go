package email

import (
	"errors"
	"testing"
)

func TestNewAttachment_SizeMatchesContent(t *testing.T) {
	t.Parallel()

	att := NewAttachment("a.txt", "text/plain", []byte("hello"))
	if att.Size != 5 {
		t.Errorf("Size: got %d, want 5", att.Size)
	}
}

func TestFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Email
		want string
	}{
		{name: "address only", msg: Email{FromAddress: "ops@example.com"}, want: "ops@example.com"},
		{name: "with label", msg: Email{FromName: "Ops Team", FromAddress: "ops@example.com"}, want: `"Ops Team" <ops@example.com>`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.From(); got != tt.want {
				t.Errorf("From(): got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Email
		wantErr bool
	}{
		{
			name: "valid",
			msg: Email{
				FromAddress: "ops@example.com",
				Attachments: []Attachment{NewAttachment("a.pdf", "application/pdf", []byte("x"))},
			},
		},
		{name: "missing sender", msg: Email{Subject: "ALERT"}, wantErr: true},
		{
			name: "size mismatch",
			msg: Email{
				FromAddress: "ops@example.com",
				Attachments: []Attachment{{Filename: "a.pdf", ContentType: "application/pdf", Size: 10, Content: []byte("x")}},
			},
			wantErr: true,
		},
		{
			name: "missing filename",
			msg: Email{
				FromAddress: "ops@example.com",
				Attachments: []Attachment{NewAttachment("", "application/pdf", nil)},
			},
			wantErr: true,
		},
		{
			name: "missing content type",
			msg: Email{
				FromAddress: "ops@example.com",
				Attachments: []Attachment{NewAttachment("a.pdf", "", nil)},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.msg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("Validate(): got %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate(): unexpected error: %v", err)
			}
		})
	}
}

package s3

import "testing"

func TestKeyForURL(t *testing.T) {
	a := &Adapter{bucket: "photos", publicBaseURL: defaultBaseURL(Options{Bucket: "photos", Region: "eu-west-1"})}

	key, ok := a.KeyForURL("https://photos.s3.eu-west-1.amazonaws.com/originals/u/a.png")
	if !ok || key != "originals/u/a.png" {
		t.Errorf("KeyForURL() = %q, %v", key, ok)
	}
	if _, ok := a.KeyForURL("https://cdn.example.com/originals/u/a.png"); ok {
		t.Error("KeyForURL() resolved a foreign url")
	}
}

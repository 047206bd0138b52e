package delegated

import (
	"context"
	"testing"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

func TestStateless(t *testing.T) {
	app, err := Factory(domain.NewServiceID("h", "s"), []byte("ignored"))
	if err != nil {
		t.Fatalf("Factory() error = %v", err)
	}
	if err := app.HandleRequest(context.Background(), nil, "n", []byte("x")); err != nil {
		t.Errorf("HandleRequest() error = %v", err)
	}
	state, err := app.Save()
	if err != nil || state != nil {
		t.Errorf("Save() = (%q, %v), want (nil, nil)", state, err)
	}
}

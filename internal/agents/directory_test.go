package agents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

func runDirectoryTests(t *testing.T, open func(t *testing.T) Directory) {
	t.Helper()

	newAgent := func(name string) *models.Agent {
		return &models.Agent{
			DisplayName:  name,
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5",
			EnabledTools: []byte(`["datetime"]`),
		}
	}

	t.Run("create assigns id and slug", func(t *testing.T) {
		d := open(t)
		agent := newAgent("Research Assistant")
		if err := d.Create(context.Background(), agent); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if agent.ID == "" {
			t.Error("Create should assign an ID")
		}
		if agent.Slug != "research-assistant" {
			t.Errorf("slug = %q, want %q", agent.Slug, "research-assistant")
		}
		if agent.Visibility != models.VisibilityPublic {
			t.Errorf("visibility should default to public, got %q", agent.Visibility)
		}
	})

	t.Run("slug collisions get numeric suffixes", func(t *testing.T) {
		d := open(t)
		slugs := make([]string, 3)
		for i := range slugs {
			agent := newAgent("Helper")
			if err := d.Create(context.Background(), agent); err != nil {
				t.Fatalf("Create %d: %v", i, err)
			}
			slugs[i] = agent.Slug
		}
		want := []string{"helper", "helper-2", "helper-3"}
		for i := range want {
			if slugs[i] != want[i] {
				t.Errorf("slug %d = %q, want %q", i, slugs[i], want[i])
			}
		}
	})

	t.Run("concurrent creates with the same name all land", func(t *testing.T) {
		d := open(t)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		slugs := make(chan string, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				agent := newAgent("Helper")
				if err := d.Create(context.Background(), agent); err != nil {
					errs <- err
					return
				}
				slugs <- agent.Slug
			}()
		}
		wg.Wait()
		close(errs)
		close(slugs)

		for err := range errs {
			t.Errorf("Create: %v", err)
		}
		seen := map[string]bool{}
		for slug := range slugs {
			if seen[slug] {
				t.Errorf("duplicate slug %q", slug)
			}
			seen[slug] = true
		}
	})

	t.Run("update keeps own slug without suffixing", func(t *testing.T) {
		d := open(t)
		agent := newAgent("Helper")
		if err := d.Create(context.Background(), agent); err != nil {
			t.Fatalf("Create: %v", err)
		}
		agent.SystemPrompt = "Be helpful."
		if err := d.Update(context.Background(), agent); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if agent.Slug != "helper" {
			t.Errorf("update suffixed its own slug: %q", agent.Slug)
		}
	})

	t.Run("at most one default", func(t *testing.T) {
		d := open(t)

		first := newAgent("First")
		first.IsDefault = true
		if err := d.Create(context.Background(), first); err != nil {
			t.Fatalf("Create first: %v", err)
		}

		second := newAgent("Second")
		second.IsDefault = true
		if err := d.Create(context.Background(), second); err != nil {
			t.Fatalf("Create second: %v", err)
		}

		def, err := d.Default(context.Background())
		if err != nil {
			t.Fatalf("Default: %v", err)
		}
		if def.ID != second.ID {
			t.Errorf("default = %s, want %s", def.ID, second.ID)
		}

		all, err := d.List(context.Background(), true)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		defaults := 0
		for _, a := range all {
			if a.IsDefault {
				defaults++
			}
		}
		if defaults != 1 {
			t.Errorf("%d agents hold the default flag, want 1", defaults)
		}
	})

	t.Run("set default moves the flag", func(t *testing.T) {
		d := open(t)

		first := newAgent("First")
		first.IsDefault = true
		second := newAgent("Second")
		if err := d.Create(context.Background(), first); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := d.Create(context.Background(), second); err != nil {
			t.Fatalf("Create: %v", err)
		}

		if err := d.SetDefault(context.Background(), second.ID); err != nil {
			t.Fatalf("SetDefault: %v", err)
		}

		moved, err := d.Get(context.Background(), first.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if moved.IsDefault {
			t.Error("prior default still set")
		}
		def, err := d.Default(context.Background())
		if err != nil {
			t.Fatalf("Default: %v", err)
		}
		if def.ID != second.ID {
			t.Errorf("default = %s, want %s", def.ID, second.ID)
		}
	})

	t.Run("no default configured", func(t *testing.T) {
		d := open(t)
		if _, err := d.Default(context.Background()); !errors.Is(err, ErrNoDefaultAgent) {
			t.Errorf("expected ErrNoDefaultAgent, got %v", err)
		}
	})

	t.Run("list hides admin-only agents", func(t *testing.T) {
		d := open(t)

		visible := newAgent("Visible")
		hidden := newAgent("Hidden")
		hidden.Visibility = models.VisibilityAdminOnly
		if err := d.Create(context.Background(), visible); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := d.Create(context.Background(), hidden); err != nil {
			t.Fatalf("Create: %v", err)
		}

		public, err := d.List(context.Background(), false)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(public) != 1 || public[0].ID != visible.ID {
			t.Errorf("public list wrong: %+v", public)
		}

		admin, err := d.List(context.Background(), true)
		if err != nil {
			t.Fatalf("List admin: %v", err)
		}
		if len(admin) != 2 {
			t.Errorf("admin list should include both, got %d", len(admin))
		}
	})

	t.Run("lookup by slug", func(t *testing.T) {
		d := open(t)
		agent := newAgent("Coder")
		if err := d.Create(context.Background(), agent); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := d.GetBySlug(context.Background(), "coder")
		if err != nil {
			t.Fatalf("GetBySlug: %v", err)
		}
		if got.ID != agent.ID {
			t.Errorf("GetBySlug returned wrong agent")
		}
	})

	t.Run("tool config survives a round trip", func(t *testing.T) {
		d := open(t)
		agent := newAgent("Tooled")
		agent.EnabledTools = []byte(`["datetime","weather"]`)
		agent.ApprovalFlags = []byte(`{"weather":true}`)
		if err := d.Create(context.Background(), agent); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := d.Get(context.Background(), agent.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if slugs := got.ToolSlugs(); len(slugs) != 2 {
			t.Errorf("ToolSlugs = %v", slugs)
		}
		if flags := got.ApprovalMap(); !flags["weather"] {
			t.Errorf("ApprovalMap = %v", flags)
		}
	})

	t.Run("missing agent errors", func(t *testing.T) {
		d := open(t)
		if _, err := d.Get(context.Background(), "nope"); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("Get: %v", err)
		}
		if err := d.SetDefault(context.Background(), "nope"); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("SetDefault: %v", err)
		}
		if err := d.Delete(context.Background(), "nope"); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("Delete: %v", err)
		}
	})
}

func TestMemoryDirectory(t *testing.T) {
	runDirectoryTests(t, func(t *testing.T) Directory {
		return NewMemoryDirectory()
	})
}

func TestSQLiteDirectory(t *testing.T) {
	runDirectoryTests(t, func(t *testing.T) Directory {
		d, err := NewSQLiteDirectory(t.TempDir() + "/agents.db")
		if err != nil {
			t.Fatalf("NewSQLiteDirectory: %v", err)
		}
		t.Cleanup(func() { d.Close() })
		return d
	})
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Research Assistant", "research-assistant"},
		{"  Weird -- Name!! ", "weird-name"},
		{"已经", "agent"},
		{"", "agent"},
		{"UPPER case 42", "upper-case-42"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

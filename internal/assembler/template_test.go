package assembler

import (
	"errors"
	"testing"
)

func priorOutputs() map[string]map[string]any {
	return map[string]map[string]any{
		"research": {
			"summary": "AI 初创公司完成 A 轮融资",
			"detail":  map[string]any{"amount": "1000万美元"},
		},
		"classify": {"sentiment": "positive"},
	}
}

func TestCompileTemplate(t *testing.T) {
	refs, err := CompileTemplate("基于 {{research.output.summary}} 与 {{classify.output.sentiment}} 写 pitch")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}
	if refs[0].StepKey != "research" || refs[0].Path[0] != "summary" {
		t.Errorf("unexpected ref: %+v", refs[0])
	}
}

func TestCompileTemplate_BadShape(t *testing.T) {
	if _, err := CompileTemplate("{{research.summary}}"); !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected ErrUnresolvedReference for missing output segment, got %v", err)
	}
}

func TestRender(t *testing.T) {
	out, err := Render("情感为 {{classify.output.sentiment}}", priorOutputs())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "情感为 positive" {
		t.Errorf("unexpected render: %q", out)
	}
}

func TestRender_NestedPath(t *testing.T) {
	out, err := Render("金额 {{research.output.detail.amount}}", priorOutputs())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "金额 1000万美元" {
		t.Errorf("unexpected render: %q", out)
	}
}

func TestRender_UnresolvedIsError(t *testing.T) {
	_, err := Render("{{ghost.output.x}}", priorOutputs())
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected ErrUnresolvedReference, got %v", err)
	}
	_, err = Render("{{research.output.missing}}", priorOutputs())
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected ErrUnresolvedReference for missing field, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	v, err := ResolvePath("classify.output.sentiment", priorOutputs())
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if v != "positive" {
		t.Errorf("expected positive, got %v", v)
	}
}

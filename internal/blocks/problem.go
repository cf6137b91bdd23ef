package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/yungbote/xblockcore/internal/sandbox"
	"github.com/yungbote/xblockcore/internal/xblock"
)

func problemImpl() Impl {
	return Impl{
		Views: map[string]xblock.ViewFunc{
			xblock.StudentView: problemView,
			xblock.AuthorView:  problemView,
		},
		Handlers: map[string]xblock.HandlerFunc{
			"check":     problemCheck,
			"get_state": problemState,
		},
	}
}

func tr(blk xblock.Block, msg string, args ...any) string {
	if svc, err := xblock.I18n(blk); err == nil {
		return svc.T(msg, args...)
	}
	return fmt.Sprintf(msg, args...)
}

func problemView(ctx context.Context, blk xblock.Block) (*xblock.Fragment, error) {
	b := blk.Core()
	data, err := b.Get("data")
	if err != nil {
		return nil, err
	}
	prompt, _ := data.(string)
	var sb strings.Builder
	sb.WriteString(`<div class="problem" data-attempts="`)
	sb.WriteString(itoa(int(b.GetInt("attempts"))))
	sb.WriteString(`">`)
	sb.WriteString(rewriteStatic(blk, prompt))
	sb.WriteString(`<button class="check">`)
	sb.WriteString(html.EscapeString(tr(blk, "Check")))
	sb.WriteString(`</button>`)
	if limit := b.GetInt("max_attempts"); limit > 0 {
		sb.WriteString(`<p class="attempts">`)
		sb.WriteString(html.EscapeString(tr(blk, "You have used %d of %d attempts", b.GetInt("attempts"), limit)))
		sb.WriteString(`</p>`)
	}
	sb.WriteString(`</div>`)
	frag := xblock.NewFragment(sb.String())
	frag.AddJSURL("/static/js/problem.js")
	return frag, nil
}

type checkRequest struct {
	Answer json.RawMessage `json:"answer"`
}

func problemCheck(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
	b := blk.Core()
	var in checkRequest
	if err := req.Decode(&in); err != nil || len(in.Answer) == 0 {
		if err == nil {
			err = fmt.Errorf("answer required")
		}
		return xblock.ErrorResult{Err: errBadRequest(err)}
	}
	attempts := b.GetInt("attempts")
	if limit := b.GetInt("max_attempts"); limit > 0 && attempts >= limit {
		return xblock.Rendered{Value: map[string]any{"status": "closed", "message": tr(blk, "No attempts remaining")}}
	}

	correct, score, err := gradeAnswer(ctx, blk, in.Answer)
	var jailErr *checkerError
	if errors.As(err, &jailErr) {
		return xblock.Rendered{Value: map[string]any{"status": "error", "message": jailErr.Error()}}
	}
	if err != nil {
		return xblock.ErrorResult{Err: err}
	}

	weight := b.GetFloat("weight")
	var answer any
	_ = json.Unmarshal(in.Answer, &answer)
	for name, v := range map[string]any{
		"attempts":       attempts + 1,
		"correct":        correct,
		"score":          score * weight,
		"max_score":      weight,
		"student_answer": answer,
	} {
		if err := b.Set(name, v); err != nil {
			return xblock.ErrorResult{Err: err}
		}
	}
	if svc, err := xblock.Completion(blk); err == nil {
		if err := svc.Publish(b.Usage(), 1); err != nil {
			return xblock.ErrorResult{Err: err}
		}
	}
	msg := tr(blk, "Incorrect")
	if correct {
		msg = tr(blk, "Correct")
	}
	return xblock.Rendered{Value: map[string]any{
		"status":    "graded",
		"correct":   correct,
		"score":     score * weight,
		"max_score": weight,
		"attempts":  attempts + 1,
		"message":   msg,
	}}
}

type checkerError struct {
	status sandbox.Status
	text   string
}

func (e *checkerError) Error() string {
	if e.text == "" {
		return "checker " + string(e.status)
	}
	return "checker " + string(e.status) + ": " + e.text
}

// gradeAnswer runs checker_code in the sandbox when present, else compares
// against correct_answer. The checker reads `answer` and sets `correct`
// and optionally `score` in [0, 1].
func gradeAnswer(ctx context.Context, blk xblock.Block, answer json.RawMessage) (bool, float64, error) {
	b := blk.Core()
	code := b.GetString("checker_code")
	if strings.TrimSpace(code) == "" {
		var got string
		if err := json.Unmarshal(answer, &got); err != nil {
			got = string(answer)
		}
		ok := strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(b.GetString("correct_answer")))
		if ok {
			return true, 1, nil
		}
		return false, 0, nil
	}
	jail, err := xblock.Sandbox(blk)
	if err != nil {
		return false, 0, err
	}
	res, err := jail.Exec(ctx, code, map[string]json.RawMessage{
		"answer":  answer,
		"correct": json.RawMessage("false"),
	}, sandbox.Limits{})
	if err != nil {
		return false, 0, err
	}
	if !res.OK() {
		return false, 0, &checkerError{status: res.Status, text: res.ExceptionText}
	}
	var correct bool
	_ = json.Unmarshal(res.GlobalsOut["correct"], &correct)
	score := 0.0
	if correct {
		score = 1
	}
	if raw, ok := res.GlobalsOut["score"]; ok {
		var s float64
		if json.Unmarshal(raw, &s) == nil && s >= 0 && s <= 1 {
			score = s
		}
	}
	return correct, score, nil
}

func problemState(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
	b := blk.Core()
	answer, _ := b.Get("student_answer")
	return xblock.Rendered{Value: map[string]any{
		"attempts":       b.GetInt("attempts"),
		"score":          b.GetFloat("score"),
		"max_score":      b.GetFloat("max_score"),
		"correct":        b.GetBool("correct"),
		"student_answer": answer,
	}}
}

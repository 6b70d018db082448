package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
)

func TestReconciler_RunOnce(t *testing.T) {
	env := newTestEnv(t,
		archive("acc-1", model.StatusWaiting, "t-1"),
		archive("acc-2", model.StatusProcessingAIP, "aip-2"),
		archive("acc-3", model.StatusProcessingAIP, "aip-3"),
		archive("acc-4", model.StatusRegistered, "aip-4"),
		archive("acc-5", model.StatusNew, ""),
	)
	env.am.setTransfer("t-1", mockReply{body: `{"status":"PROCESSING"}`})
	env.am.setIngest("aip-2", mockReply{body: `{"status":"COMPLETE"}`})
	env.am.setIngest("aip-3", mockReply{status: 502})

	r := NewReconciler(env.repo, env.archives, time.Hour, 100, slog.Default())
	result, ran := r.RunOnce(context.Background())
	if !ran {
		t.Fatal("RunOnce не выполнен")
	}

	if result.Checked != 3 || result.Changed != 2 || result.Failed != 1 {
		t.Errorf("результат = %+v, ожидалось checked=3 changed=2 failed=1", result)
	}
	if s := env.repo.snapshot("acc-1").Status; s != model.StatusProcessingTransfer {
		t.Errorf("acc-1 = %s", s)
	}
	if s := env.repo.snapshot("acc-2").Status; s != model.StatusRegistered {
		t.Errorf("acc-2 = %s", s)
	}
	if s := env.repo.snapshot("acc-3").Status; s != model.StatusProcessingAIP {
		t.Errorf("acc-3 = %s, ошибка опроса не должна менять запись", s)
	}
}

func TestReconciler_ListError(t *testing.T) {
	env := newTestEnv(t)
	env.repo.listFn = func(context.Context, []model.Status, int) ([]*model.Archive, error) {
		return nil, errors.New("db down")
	}

	r := NewReconciler(env.repo, env.archives, time.Hour, 100, slog.Default())
	result, ran := r.RunOnce(context.Background())
	if !ran || result.Checked != 0 {
		t.Errorf("RunOnce = %+v, %v", result, ran)
	}
}

func TestReconciler_StartStop(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
	env.am.setTransfer("t-1", mockReply{body: `{"status":"FAILED"}`})

	r := NewReconciler(env.repo, env.archives, 20*time.Millisecond, 10, slog.Default())
	r.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.repo.snapshot("acc-1").Status == model.StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	if s := env.repo.snapshot("acc-1").Status; s != model.StatusFailed {
		t.Errorf("Status = %s, ожидался FAILED после фоновой сверки", s)
	}
}

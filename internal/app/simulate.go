package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ranksheet-engine/internal/alerting"
	"ranksheet-engine/internal/jobs"
	"ranksheet-engine/internal/ranksheet"
)

// SimulateAlert 发送一条示例告警，用于验证告警通道配置。
func (a *App) SimulateAlert(ctx context.Context, kind alerting.Kind) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note, err := sampleNotification(kind, time.Now().UTC())
	if err != nil {
		return err
	}
	return notifier.Notify(ctx, note)
}

func sampleNotification(kind alerting.Kind, now time.Time) (alerting.Notification, error) {
	note := alerting.Notification{Kind: kind, At: now, AdditionalMsg: "simulated alert"}
	switch kind {
	case alerting.KindJobFinished:
		note.JobID = "simulated"
		note.JobStatus = string(jobs.StatusPartial)
		note.Period = now.Format(ranksheet.PeriodLayout)
		note.Succeeded, note.Failed, note.Skipped = 8, 1, 1
	case alerting.KindReadinessCritical:
		note.Keyword = "simulated-keyword"
		note.Period = now.Format(ranksheet.PeriodLayout)
		note.Readiness = string(ranksheet.ReadinessCritical)
		note.Ready, note.TopK = 3, 10
		note.MissingASINs = []string{"B000000004", "B000000005"}
	case alerting.KindBreakerOpened:
		note.Breaker = providerBreaker
	default:
		return alerting.Notification{}, fmt.Errorf("unknown alert kind %q", kind)
	}
	return note, nil
}

package task

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"cafe24_ops_v1/internal/service"
	"cafe24_ops_v1/pkg/cafe24"
)

// TokenTask 令牌保活任务
// 单商城进程，只需要周期性调用一次 Token()：
// 余量内新鲜则什么都不做，临近过期则顺带完成刷新，
// 避免长时间无业务流量导致 access token 在下一批编辑开始时已经凉透。
type TokenTask struct {
	Auth *service.AuthService
	Cron *cron.Cron

	spec string
	log  *zap.Logger
}

// NewTokenTask 创建保活任务，spec 为带秒位的 cron 表达式
func NewTokenTask(auth *service.AuthService, spec string, log *zap.Logger) *TokenTask {
	if spec == "" {
		spec = "0 0/30 * * * *" // 默认每30分钟探测一次
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenTask{
		Auth: auth,
		Cron: cron.New(cron.WithSeconds()), // 支持秒级控制
		spec: spec,
		log:  log,
	}
}

// Start 启动定时任务
func (t *TokenTask) Start() {
	// 首次执行
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		t.log.Info("服务启动，正在执行首次 Token 检查")
		t.probe(ctx)
	}()

	// 定时策略
	_, err := t.Cron.AddFunc(t.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		t.probe(ctx)
	})
	if err != nil {
		t.log.Fatal("无法启动 Token 保活任务", zap.Error(err))
	}

	t.Cron.Start()
	t.log.Info("Token 保活任务已启动", zap.String("cron", t.spec))
}

// Stop 停止定时器，等待在途任务结束
func (t *TokenTask) Stop() {
	<-t.Cron.Stop().Done()
}

func (t *TokenTask) probe(ctx context.Context) {
	_, mallID, err := t.Auth.Token(ctx)
	if err != nil {
		// 需要重新授权时降级为 Warn，每轮提醒一次，不算故障
		if cafe24.IsFatalToSession(err) {
			t.log.Warn("保活探测发现凭证不可用，等待人工重新授权", zap.Error(err))
			return
		}
		t.log.Error("保活探测刷新失败", zap.Error(err))
		return
	}
	t.log.Debug("保活探测完成", zap.String("mall_id", mallID))
}

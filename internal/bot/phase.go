package bot

import (
	"errors"

	"futures-grid-bot-go/internal/models"
)

var (
	ErrAlreadyRunning    = errors.New("bot is already running")
	ErrNotRunning        = errors.New("bot is not running")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// ValidTransitions 定义了生命周期允许的阶段跳转
var ValidTransitions = map[models.Phase][]models.Phase{
	models.PhaseStopped:      {models.PhaseInitializing},
	models.PhaseInitializing: {models.PhaseRunning, models.PhaseStopped},
	models.PhaseRunning:      {models.PhasePaused, models.PhaseStopped},
	models.PhasePaused:       {models.PhaseRunning, models.PhaseStopped},
}

// CanTransition 检查跳转是否合法
func CanTransition(from, to models.Phase) bool {
	for _, p := range ValidTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// IsActive 机器人持有配置且未停止
func IsActive(p models.Phase) bool {
	return p == models.PhaseRunning || p == models.PhasePaused || p == models.PhaseInitializing
}

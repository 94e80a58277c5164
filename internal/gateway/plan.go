package gateway

import (
	"fmt"
	"strings"

	"github.com/shaiso/Jobpilot/internal/domain"
)

// Типы действий плана.
const (
	ActionFill   = "fill"
	ActionSelect = "select"
	ActionClick  = "click"
	ActionUpload = "upload"
)

// ValidatePlan проверяет план: непустой, известные типы, у каждого
// действия есть селектор, fill/select/upload несут значение.
func ValidatePlan(plan domain.ActionPlan) error {
	if len(plan.Actions) == 0 {
		return fmt.Errorf("%w: no actions", ErrInvalidPlan)
	}

	for i, a := range plan.Actions {
		if strings.TrimSpace(a.Selector) == "" {
			return fmt.Errorf("%w: action %d: selector required", ErrInvalidPlan, i)
		}
		switch a.Type {
		case ActionClick:
		case ActionFill, ActionSelect, ActionUpload:
			if a.Value == "" {
				return fmt.Errorf("%w: action %d (%s): value required", ErrInvalidPlan, i, a.Type)
			}
		default:
			return fmt.Errorf("%w: action %d: unknown type %q", ErrInvalidPlan, i, a.Type)
		}
	}
	return nil
}

// successIndicators — фразы страницы, подтверждающие отправку.
var successIndicators = []string{
	"thank you",
	"application received",
	"successfully submitted",
	"application complete",
}

// ConfirmedByText ищет признаки успешной отправки в тексте страницы.
func ConfirmedByText(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, indicator := range successIndicators {
		if strings.Contains(lower, indicator) {
			return true, fmt.Sprintf("page contains %q", indicator)
		}
	}
	return false, "could not verify submission success"
}

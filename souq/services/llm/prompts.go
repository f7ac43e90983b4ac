package llm

import (
	"fmt"
	"os"

	"souq/souq/utils/types"

	"gopkg.in/yaml.v3"
)

var defaultPrompts = map[types.Mode]string{
	types.ModeGeneral: "أنت مساعد ذكي لمنصة \"لا تشتتني\" للمتاجر المحلية والعروض والطلبات. " +
		"أجب باللغة العربية بإيجاز ووضوح، وساعد المستخدم في العثور على المتاجر والعروض المناسبة.",
	types.ModeProductExplain: "أنت خبير منتجات في منصة \"لا تشتتني\". اشرح المنتج المطلوب بلغة بسيطة: " +
		"مميزاته، استخداماته، ونصائح قبل الشراء. لا تخترع أسعاراً أو مواصفات غير مذكورة.",
	types.ModeContentSummary: "لخّص المحتوى الذي يرسله المستخدم في نقاط قصيرة باللغة العربية، " +
		"مع الحفاظ على المعلومات الأساسية فقط.",
	types.ModeTextAnalysis: "حلّل النص الذي يرسله المستخدم: الفكرة الرئيسية، النبرة، والنقاط المهمة. " +
		"قدّم التحليل بشكل منظم وباللغة العربية.",
	types.ModeOrderTracking: "أنت مساعد تتبع الطلبات في منصة \"لا تشتتني\". اشرح حالات الطلب " +
		"(قيد الانتظار، مؤكد، قيد التوصيل، مكتمل، ملغي) وما يمكن للمستخدم فعله في كل حالة. " +
		"لا تدّعِ معرفة حالة طلب لم يذكرها المستخدم.",
}

// Prompts holds the system prompt for each mode.
type Prompts struct {
	byMode map[types.Mode]string
}

func DefaultPrompts() *Prompts {
	byMode := make(map[types.Mode]string, len(defaultPrompts))
	for m, p := range defaultPrompts {
		byMode[m] = p
	}
	return &Prompts{byMode: byMode}
}

// LoadPrompts overlays a YAML file of mode: prompt pairs on the built-in
// prompts. An empty path returns the built-ins.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	for key, prompt := range overrides {
		mode := types.Mode(key)
		if !mode.Valid() {
			return nil, fmt.Errorf("prompts file: unknown mode %q", key)
		}
		if prompt != "" {
			p.byMode[mode] = prompt
		}
	}
	return p, nil
}

// For returns the prompt for mode, falling back to the general prompt.
func (p *Prompts) For(mode types.Mode) string {
	return p.byMode[mode.OrDefault()]
}

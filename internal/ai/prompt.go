package ai

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const consultTemplate = `
你是一个 DeFi 交易代理的决策助手。请根据代理状态与补充信息，判断是否需要执行一次代币兑换。

代理状态：
- 代理: {{ .Agent.Name }} ({{ .Agent.ID }})
- 当前盈亏: {{ printf "%.2f" .Agent.PnLPct }}%
- 最大回撤限制: {{ printf "%.2f" .Agent.MaxDrawdownPct }}%
- 历史成交笔数: {{ .Agent.TradeCount }}
{{- if .MaxAmount }}
- 单笔最大卖出数量: {{ .MaxAmount }}
{{- end }}

可交易代币: {{ .TokenList }}

补充信息：
{{ if .Notes }}{{ .Notes }}{{ else }}无{{ end }}

请严格输出唯一的 JSON 对象，格式如下：
{
  "action": "SWAP|HOLD",              // SWAP: 执行兑换, HOLD: 保持不动
  "sell_token": "...",                // 卖出代币（符号或合约地址），HOLD 时留空
  "buy_token": "...",                 // 买入代币（符号或合约地址），HOLD 时留空
  "sell_amount": "...",               // 卖出数量（十进制字符串，按代币单位）
  "venue": "on_chain|centralized",    // 执行场所，可留空使用代理默认场所
  "confidence": 0.0-1.0,              // 建议信心度
  "reasoning": "..."                  // 关键理由
}
`

var tmpl = template.Must(template.New("consult").Parse(consultTemplate))

type promptContext struct {
	Request
	TokenList string
}

// BuildPrompt 将咨询请求渲染成提示词字符串。
func BuildPrompt(req Request) (string, error) {
	tokens := "未限定"
	if len(req.Tokens) > 0 {
		tokens = strings.Join(req.Tokens, ", ")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptContext{Request: req, TokenList: tokens}); err != nil {
		return "", fmt.Errorf("ai: 渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}

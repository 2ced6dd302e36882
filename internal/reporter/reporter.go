package reporter

import (
	"fmt"
	"strings"

	"futures-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Row 附加在概要表末尾的一行, 例如模拟盘手续费或订单流水统计
type Row struct {
	Label string
	Value string
}

// RenderStatus 将状态快照渲染为概要表和网格阶梯表, 供状态监控定期打印
func RenderStatus(st models.Status, extra ...Row) string {
	var b strings.Builder
	b.WriteString(renderSummary(st, extra))
	if len(st.Orders) > 0 {
		b.WriteString("\n")
		b.WriteString(renderLadder(st))
	}
	if n := len(st.Logs); n > 0 {
		b.WriteString("\n最近日志:\n")
		for _, line := range st.Logs[:min(n, 5)] {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderSummary(st models.Status, extra []Row) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("网格机器人状态")

	phase := string(st.Phase)
	if st.RunID != "" {
		phase = fmt.Sprintf("%s (%s)", st.Phase, shortID(st.RunID))
	}
	t.AppendRow(table.Row{"阶段", phase})
	if st.Symbol == "" {
		t.AppendRow(table.Row{"交易对", "-"})
		return t.Render() + "\n"
	}

	t.AppendRow(table.Row{"交易对", fmt.Sprintf("%s / %s", st.Symbol, st.Mode)})
	t.AppendRow(table.Row{"最新价格", fmt.Sprintf("%.4f (第 %d 格)", st.LastPrice, st.PriceLevel)})
	t.AppendRow(table.Row{"缝隙价格", fmt.Sprintf("%.4f", st.GapPrice)})
	t.AppendRow(table.Row{"目标/实际仓位", fmt.Sprintf("%.4f / %.4f", st.TargetPosition, st.Position.Size)})
	t.AppendRow(table.Row{"开仓均价", fmt.Sprintf("%.4f", st.Position.EntryPrice)})
	t.AppendRow(table.Row{"强平价格", fmt.Sprintf("%.4f", st.Position.LiquidationPrice)})
	t.AppendRow(table.Row{"未实现盈亏", fmt.Sprintf("%.4f", st.PnL)})
	t.AppendRow(table.Row{"钱包余额", fmt.Sprintf("%.2f", st.WalletBalance)})
	t.AppendRow(table.Row{"资金费率", fmt.Sprintf("%.4f%%", st.FundingRate)})
	t.AppendRow(table.Row{"挂单 买/卖", fmt.Sprintf("%d / %d", st.OpenBuys, st.OpenSells)})
	if !st.LastSync.IsZero() {
		t.AppendRow(table.Row{"上次同步", st.LastSync.Format("15:04:05")})
	}
	for _, r := range extra {
		t.AppendRow(table.Row{r.Label, r.Value})
	}
	return t.Render() + "\n"
}

func renderLadder(st models.Status) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "价格", "类型", "数量", ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	for _, row := range st.Orders {
		amt := ""
		if row.Amount > 0 {
			amt = fmt.Sprintf("%g", row.Amount)
		}
		marker := ""
		if row.Current {
			marker = "<- 当前"
		}
		t.AppendRow(table.Row{row.Index, fmt.Sprintf("%.4f", row.Price), row.Type, amt, marker})
	}
	return t.Render() + "\n"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

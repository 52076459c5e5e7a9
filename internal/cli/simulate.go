package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateCode string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次急涨行情并触发告警推送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCode == "" {
			return errors.New("--code 必须指定")
		}

		return getApp().SimulateAlert(cmd.Context(), simulateCode)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCode, "code", "sh600000", "用于模拟的股票代码")
}

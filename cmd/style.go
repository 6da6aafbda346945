package main

import (
	"strconv"

	"github.com/pterm/pterm"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
	"github.com/luca-patrignani/traffic-ledger/config"
	"github.com/luca-patrignani/traffic-ledger/ledger"
	"github.com/luca-patrignani/traffic-ledger/scheduler"
	"github.com/luca-patrignani/traffic-ledger/seal"
)

func printStartup(cfg config.Config, recovered int, signer *seal.Signer) {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	info := pterm.Sprintfln("Node: %s", pterm.LightCyan(cfg.NodeID))
	info += pterm.Sprintfln("Difficulty: %d  Block size: %d  Cycle: %s", cfg.Difficulty, cfg.BlockSize, cfg.CycleInterval)
	info += pterm.Sprintfln("Lanes: %v", cfg.Lanes)
	if recovered > 0 {
		info += pterm.Sprintfln("Recovered chain height: %d", recovered)
	}
	if signer != nil {
		info += pterm.Sprintfln("Seal key: %s", signer.PublicKey())
	}
	pbox.WithTitle(pterm.LightYellow("|NODE|")).WithTitleTopCenter().Println(info)
}

func signalCell(green bool) string {
	if green {
		return pterm.BgGreen.Sprint(" GREEN ")
	}
	return pterm.BgRed.Sprint("  RED  ")
}

func printLaneTable(res arbiter.Result) {
	data := pterm.TableData{{"Lane", "Vehicles", "Green time", "Signal", "Emergency"}}
	for _, l := range res.Lanes {
		emergency := ""
		if l.EmergencyVehicle {
			emergency = pterm.LightRed("YES")
		}
		data = append(data, []string{
			strconv.Itoa(l.ID),
			strconv.Itoa(l.VehicleCount),
			strconv.Itoa(l.GreenTime) + "s",
			signalCell(l.IsGreen),
			emergency,
		})
	}
	pterm.Info.Printfln("Green: lane %d (%s)", res.Green, res.Reason)
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSummary(ls ledger.Stats, ss scheduler.Stats) {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	valid := pterm.LightGreen("valid")
	if !ls.IsValid {
		valid = pterm.LightRed("INVALID")
	}
	summary := pterm.Sprintfln("Blocks: %d  Transactions: %d  Pending: %d  Chain: %s", ls.TotalBlocks, ls.TotalTransactions, ls.PendingTransactions, valid)
	summary += pterm.Sprintfln("Cycles: %d  Rotations: %d  Preemptions: %d", ss.Cycles, ss.Rotations, ss.Preemptions)
	pterm.DefaultPanel.WithPanels([][]pterm.Panel{
		{{Data: pbox.WithTitle(pterm.LightGreen("|SUMMARY|")).WithTitleTopCenter().Sprint(summary)}},
	}).Render()
}

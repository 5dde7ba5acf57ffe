package train

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/floats"
)

// WriteTable renders the history as a table.
func WriteTable(w io.Writer, history []EpochStats) {
	data := make([][]string, 0, len(history))
	for _, row := range history {
		evalLoss, evalBPD := "-", "-"
		if row.Eval != nil {
			evalLoss = fmt.Sprintf("%.4f", row.Eval.Loss)
			evalBPD = fmt.Sprintf("%.4f", row.Eval.BitsPerDim)
		}
		data = append(data, []string{
			fmt.Sprintf("%d", row.Epoch),
			fmt.Sprintf("%.3f", row.Beta),
			fmt.Sprintf("%.4f", row.Train.Loss),
			fmt.Sprintf("%.4f", row.Train.Recon),
			fmt.Sprintf("%.4f", row.Train.Reg),
			fmt.Sprintf("%.4f", row.Train.BitsPerDim),
			evalLoss,
			evalBPD,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "BETA", "LOSS", "RECON", "REG", "BPD", "EVAL LOSS", "EVAL BPD"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// Best returns the epoch with the lowest evaluation loss, or the lowest
// training loss when no epoch was evaluated.
func Best(history []EpochStats) (EpochStats, bool) {
	if len(history) == 0 {
		return EpochStats{}, false
	}

	losses := make([]float64, len(history))
	useEval := history[0].Eval != nil
	for i, row := range history {
		if useEval && row.Eval != nil {
			losses[i] = row.Eval.Loss
		} else {
			losses[i] = row.Train.Loss
		}
	}
	return history[floats.MinIdx(losses)], true
}

// Losses extracts the per-epoch training and evaluation losses. eval is nil
// when no epoch was evaluated.
func Losses(history []EpochStats) (train, eval []float64) {
	for _, row := range history {
		train = append(train, row.Train.Loss)
		if row.Eval != nil {
			eval = append(eval, row.Eval.Loss)
		}
	}
	return train, eval
}

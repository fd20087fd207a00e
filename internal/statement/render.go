package statement

import (
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func RenderPDF(data *Data) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Royalty statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, data.Status, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New("Recipient: "+data.RecipientID, props.Text{Top: 0}),
			text.New("Payout: "+data.PayoutID, props.Text{Top: 5}),
			text.New("Schedule date: "+data.ScheduleDate, props.Text{Top: 10}),
			text.New("Method: "+data.Method, props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Reference: "+orDash(data.Reference), props.Text{Top: 0, Align: align.Right}),
			text.New("Generated: "+data.GeneratedAt, props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Allocation", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, line := range data.Lines {
		m.AddRow(8,
			text.NewCol(3, line.Date, props.Text{Size: 9}),
			text.NewCol(3, line.Description, props.Text{Size: 9}),
			text.NewCol(4, line.Reference, props.Text{Size: 9}),
			text.NewCol(2, line.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	totals := [][2]string{
		{"Gross", data.Gross},
		{"Fee", data.Fee},
		{"Net " + data.Currency, data.Net},
	}
	if data.Settlement != "" {
		totals = append(totals, [2]string{"Settled", data.Settlement}, [2]string{"FX rate", data.FXRate})
	}
	for _, row := range totals {
		m.AddRow(8,
			col.New(8),
			text.NewCol(2, row[0], props.Text{Size: 9}),
			text.NewCol(2, row[1], props.Text{Size: 9, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

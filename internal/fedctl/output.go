package fedctl

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agentServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

const (
	OutputTable = "table"
	OutputJson  = "json"
)

type Formatter struct {
	format string
	out    io.Writer
}

func NewFormatter(format string, out io.Writer) (*Formatter, error) {
	if format == "" {
		format = OutputTable
	}
	if format != OutputTable && format != OutputJson {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return &Formatter{format: format, out: out}, nil
}

func (f *Formatter) printJSON(data any) error {
	encoder := json.NewEncoder(f.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (f *Formatter) newTable(headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(f.out)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func (f *Formatter) fields(rows [][2]string) {
	table := f.newTable("FIELD", "VALUE")
	for _, row := range rows {
		table.Append([]string{row[0], row[1]})
	}
	table.Render()
}

// stateColor highlights how a lifecycle ended
func stateColor(state storage.LifecycleState) string {
	switch state {
	case storage.LifecycleState_Done, storage.LifecycleState_Reported:
		return color.GreenString(string(state))
	case storage.LifecycleState_Failed:
		return color.RedString(string(state))
	case storage.LifecycleState_Abandoned, storage.LifecycleState_Lost:
		return color.YellowString(string(state))
	default:
		return color.CyanString(string(state))
	}
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.YellowString("no")
}

func (f *Formatter) PrintTransaction(tx *agentServer.TransactionResponse) error {
	if f.format == OutputJson {
		return f.printJSON(tx)
	}
	f.fields([][2]string{
		{"Transaction", tx.TxHash},
		{"Block", strconv.FormatUint(tx.BlockNumber, 10)},
		{"Status", tx.Status},
	})
	return nil
}

func (f *Formatter) PrintOperator(status *agent.OperatorStatus) error {
	if f.format == OutputJson {
		return f.printJSON(status)
	}
	f.fields([][2]string{
		{"Address", status.Address.String()},
		{"Name", status.Name},
		{"Registered", yesNo(status.Registered)},
		{"Providing", yesNo(status.Providing)},
	})
	return nil
}

func (f *Formatter) PrintProvider(status *agentServer.ProviderStatus) error {
	if f.format == OutputJson {
		return f.printJSON(status)
	}
	_, err := fmt.Fprintf(f.out, "Provider watching announcements: %s\n", yesNo(status.Providing))
	return err
}

func (f *Formatter) PrintServiceId(serviceId string) error {
	if f.format == OutputJson {
		return f.printJSON(&agentServer.ConsumeResponse{ServiceId: serviceId})
	}
	_, err := fmt.Fprintf(f.out, "Started consumer lifecycle %s\n", color.CyanString(serviceId))
	return err
}

func (f *Formatter) PrintServices(records []*storage.LifecycleRecord) error {
	if f.format == OutputJson {
		if records == nil {
			records = []*storage.LifecycleRecord{}
		}
		return f.printJSON(records)
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(f.out, "No services found")
		return err
	}
	table := f.newTable("SERVICE", "ROLE", "STATE", "VXLAN", "PRICE", "UPDATED")
	for _, rec := range records {
		price := ""
		if rec.Price > 0 {
			price = strconv.FormatUint(rec.Price, 10)
		}
		table.Append([]string{
			rec.ServiceId,
			string(rec.Role),
			stateColor(rec.State),
			strconv.FormatUint(uint64(rec.VxlanId), 10),
			price,
			rec.UpdatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

func (f *Formatter) PrintService(rec *storage.LifecycleRecord) error {
	if f.format == OutputJson {
		return f.printJSON(rec)
	}
	rows := [][2]string{
		{"Service", rec.ServiceId},
		{"Role", string(rec.Role)},
		{"State", stateColor(rec.State)},
		{"Requirements", rec.Requirements},
		{"Local endpoint", rec.LocalEndpoint},
	}
	if rec.CounterpartEndpoint != "" {
		rows = append(rows, [2]string{"Counterpart endpoint", rec.CounterpartEndpoint})
	}
	if rec.Counterpart != (common.Address{}) {
		rows = append(rows, [2]string{"Counterpart", rec.Counterpart.String()})
	}
	if rec.NetworkName != "" {
		rows = append(rows, [2]string{"Network", rec.NetworkName})
	}
	if rec.Price > 0 {
		rows = append(rows, [2]string{"Price", strconv.FormatUint(rec.Price, 10)})
	}
	if rec.BidIndex != nil {
		rows = append(rows, [2]string{"Bid index", strconv.FormatUint(*rec.BidIndex, 10)})
	}
	if rec.WorkloadName != "" {
		rows = append(rows, [2]string{"Workload", rec.WorkloadName})
	}
	if rec.Info != "" {
		rows = append(rows, [2]string{"Service address", rec.Info})
	}
	if rec.Error != "" {
		rows = append(rows, [2]string{"Error", color.RedString(rec.Error)})
	}
	rows = append(rows,
		[2]string{"Created", rec.CreatedAt.Format(time.RFC3339)},
		[2]string{"Updated", rec.UpdatedAt.Format(time.RFC3339)},
	)
	f.fields(rows)
	return nil
}

func (f *Formatter) PrintSubscription(sub *eventNotifier.Subscription) error {
	return f.PrintSubscriptions([]*eventNotifier.Subscription{sub})
}

func (f *Formatter) PrintSubscriptions(subs []*eventNotifier.Subscription) error {
	if f.format == OutputJson {
		if subs == nil {
			subs = []*eventNotifier.Subscription{}
		}
		return f.printJSON(subs)
	}
	if len(subs) == 0 {
		_, err := fmt.Fprintln(f.out, "No subscriptions found")
		return err
	}
	table := f.newTable("ID", "EVENT", "CALLBACK", "CREATED")
	for _, s := range subs {
		table.Append([]string{s.Id, string(s.Event), s.CallbackUrl, s.CreatedAt.Format(time.RFC3339)})
	}
	table.Render()
	return nil
}

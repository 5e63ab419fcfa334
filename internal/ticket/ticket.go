// Package ticket lays out receipt and delivery tickets for an order in the
// three forms the printers accept: ESC/POS bytes for the thermal printer,
// plain text for share sheets and HTML for the system print dialog.
package ticket

import (
	"bytes"
	"fmt"
	"html/template"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"ticketprint/internal/escpos"
	"ticketprint/internal/models"
)

// Shop is printed at the top of every ticket.
type Shop struct {
	Name    string
	Address string
	Phone   string
	Logo    image.Image
}

// Renderer turns orders into tickets for one paper width.
type Renderer struct {
	shop    Shop
	paperMM int
	cols    int
	dots    int
	loc     *time.Location
}

// NewRenderer returns a renderer for 58mm or 80mm paper.
func NewRenderer(shop Shop, paperWidthMM int) *Renderer {
	r := &Renderer{shop: shop, paperMM: 58, cols: escpos.LineWidth, dots: escpos.MaxDots, loc: time.Local}
	if paperWidthMM == 80 {
		r.paperMM, r.cols = 80, 48
	}
	return r
}

// LoadLogo reads the shop logo from path. An empty path means no logo.
func LoadLogo(path string) (image.Image, error) {
	if path == "" {
		return nil, nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open logo: %w", err)
	}
	return img, nil
}

func (r *Renderer) title(ticketType string) string {
	if ticketType == models.TicketDelivery {
		return "DELIVERY"
	}
	return "RECEIPT"
}

func (r *Renderer) widths() []int {
	return []int{4, r.cols - 12, 8}
}

// ESCPOS renders the ticket as a complete printer frame: init, content,
// QR code of the order number and a partial cut.
func (r *Renderer) ESCPOS(o models.Order, ticketType string) []byte {
	b := escpos.NewBuilder().WithWidth(r.cols).Init()
	if r.shop.Logo != nil {
		b.Align(escpos.AlignCenter).Image(r.shop.Logo, r.dots).Align(escpos.AlignLeft)
	}
	b.Header(r.shop.Name)
	if r.shop.Address != "" || r.shop.Phone != "" {
		b.Align(escpos.AlignCenter)
		if r.shop.Address != "" {
			b.Line(r.shop.Address)
		}
		if r.shop.Phone != "" {
			b.Line(r.shop.Phone)
		}
		b.Align(escpos.AlignLeft)
	}
	b.HR('=')
	b.Align(escpos.AlignCenter).Bold(true).Line(r.title(ticketType)).Bold(false).Align(escpos.AlignLeft)
	r.body(b, o, ticketType)
	b.Feed(1).
		Align(escpos.AlignCenter).
		QRCode(o.OrderNumber, escpos.QRCorrectionM, 6).
		Feed(1).
		Line("Thank you!").
		Align(escpos.AlignLeft).
		Cut(3)
	return b.Bytes()
}

// Text renders the ticket as plain monospaced text.
func (r *Renderer) Text(o models.Order, ticketType string) string {
	b := escpos.NewBuilder().WithWidth(r.cols)
	b.Line(center(r.shop.Name, r.cols))
	if r.shop.Address != "" {
		b.Line(center(r.shop.Address, r.cols))
	}
	if r.shop.Phone != "" {
		b.Line(center(r.shop.Phone, r.cols))
	}
	b.HR('=')
	b.Line(center(r.title(ticketType), r.cols))
	r.body(b, o, ticketType)
	return string(b.Bytes())
}

// body writes the part shared by the printer and text forms. It only uses
// layout helpers, so it carries no control bytes.
func (r *Renderer) body(b *escpos.Builder, o models.Order, ticketType string) {
	b.KeyValue("Order", "#"+o.OrderNumber).
		KeyValue("Date", o.CreatedAt.In(r.loc).Format("02/01/2006 15:04")).
		KeyValue("Customer", o.CustomerName)
	if o.CustomerPhone != "" {
		b.KeyValue("Phone", o.CustomerPhone)
	}
	b.HR('-')

	if ticketType == models.TicketDelivery {
		pairs := 0
		for _, it := range o.Items {
			pairs += it.Quantity
		}
		b.KeyValue("Items", fmt.Sprint(pairs))
		if o.DeliveredAt != nil {
			b.KeyValue("Delivered", o.DeliveredAt.In(r.loc).Format("02/01/2006 15:04"))
		}
		b.HR('-')
		b.Line("Received by:").Line("").Line("").HR('_')
	} else {
		for _, it := range o.Items {
			b.TableRow([]string{fmt.Sprint(it.Quantity), it.Name, Money(it.Subtotal())}, r.widths())
		}
		b.HR('-')
		b.KeyValue("TOTAL", Money(o.Total))
	}
	if o.Notes != "" {
		b.HR('-').Line("Notes: " + o.Notes)
	}
}

type htmlItem struct {
	Quantity int
	Name     string
	Subtotal string
}

type htmlView struct {
	Shop        Shop
	Title       string
	PaperMM     int
	Order       models.Order
	Created     string
	Delivered   string
	Delivery    bool
	Items       []htmlItem
	Pairs       int
	Total       string
	OrderNumber string
}

// HTML renders the ticket as a standalone page sized for the paper roll.
func (r *Renderer) HTML(o models.Order, ticketType string) ([]byte, error) {
	v := htmlView{
		Shop:        r.shop,
		Title:       r.title(ticketType),
		PaperMM:     r.paperMM,
		Order:       o,
		Created:     o.CreatedAt.In(r.loc).Format("02/01/2006 15:04"),
		Delivery:    ticketType == models.TicketDelivery,
		Total:       Money(o.Total),
		OrderNumber: o.OrderNumber,
	}
	if o.DeliveredAt != nil {
		v.Delivered = o.DeliveredAt.In(r.loc).Format("02/01/2006 15:04")
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, htmlItem{Quantity: it.Quantity, Name: it.Name, Subtotal: Money(it.Subtotal())})
		v.Pairs += it.Quantity
	}
	var buf bytes.Buffer
	if err := htmlTicket.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render html ticket: %w", err)
	}
	return buf.Bytes(), nil
}

// Money formats minor units with two decimals.
func Money(minor int64) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func center(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return strings.Repeat(" ", (width-n)/2) + s
}

var htmlTicket = template.Must(template.New("ticket").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}} #{{.OrderNumber}}</title>
<style>
@page { size: {{.PaperMM}}mm auto; margin: 0; }
body { width: {{.PaperMM}}mm; margin: 0; padding: 2mm; font-family: monospace; font-size: 11px; }
h1 { font-size: 16px; text-align: center; margin: 0 0 2mm; }
.center { text-align: center; }
.right { text-align: right; }
table { width: 100%; border-collapse: collapse; }
hr { border: 0; border-top: 1px dashed #000; }
</style>
</head>
<body>
<h1>{{.Shop.Name}}</h1>
{{with .Shop.Address}}<div class="center">{{.}}</div>{{end}}
{{with .Shop.Phone}}<div class="center">{{.}}</div>{{end}}
<hr>
<div class="center"><strong>{{.Title}}</strong></div>
<table>
<tr><td>Order</td><td class="right">#{{.Order.OrderNumber}}</td></tr>
<tr><td>Date</td><td class="right">{{.Created}}</td></tr>
<tr><td>Customer</td><td class="right">{{.Order.CustomerName}}</td></tr>
{{with .Order.CustomerPhone}}<tr><td>Phone</td><td class="right">{{.}}</td></tr>{{end}}
</table>
<hr>
{{if .Delivery}}
<table>
<tr><td>Items</td><td class="right">{{.Pairs}}</td></tr>
{{with .Delivered}}<tr><td>Delivered</td><td class="right">{{.}}</td></tr>{{end}}
</table>
<p>Received by:</p>
<p>______________________</p>
{{else}}
<table>
{{range .Items}}<tr><td>{{.Quantity}}</td><td>{{.Name}}</td><td class="right">{{.Subtotal}}</td></tr>
{{end}}</table>
<hr>
<table><tr><td><strong>TOTAL</strong></td><td class="right"><strong>{{.Total}}</strong></td></tr></table>
{{end}}
{{with .Order.Notes}}<hr><p>Notes: {{.}}</p>{{end}}
<p class="center">Thank you!</p>
</body>
</html>
`))

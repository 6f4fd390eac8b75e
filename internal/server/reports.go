package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/fortresshq/fortress/internal/routing"
)

func newReportPDF(title string, tenantName string) *fpdf.Fpdf {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, title, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 5, tenantName, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, "Generated "+time.Now().UTC().Format("2006-01-02 15:04 MST"), "", 1, "L", false, 0, "")
	pdf.Ln(4)
	return pdf
}

func writeReportRow(pdf *fpdf.Fpdf, widths []float64, cells []string, bold bool) {
	style := ""
	if bold {
		style = "B"
	}
	pdf.SetFont("Helvetica", style, 9)
	for i, cell := range cells {
		align := "L"
		if i >= 2 {
			align = "R"
		}
		pdf.CellFormat(widths[i], 7, cell, "1", 0, align, false, 0, "")
	}
	pdf.Ln(-1)
}

func centsToDollars(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

func servePDF(w http.ResponseWriter, r *http.Request, pdf *fpdf.Fpdf, filename string) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := pdf.Output(w); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "REPORT_INTERNAL", "report internal")
	}
}

func handleInventoryReportPDF(w http.ResponseWriter, r *http.Request, inventory InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	items, err := inventory.ListItems(r.Context(), tenant.ID, "", 0)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "REPORT_INTERNAL", "report internal")
		return
	}

	pdf := newReportPDF("Inventory Report", tenant.Name)
	widths := []float64{35, 60, 20, 30, 45}
	writeReportRow(pdf, widths, []string{"SKU", "Name", "Qty", "Unit $", "Location"}, true)

	var totalQty int64
	var totalValueCents int64
	for _, item := range items {
		writeReportRow(pdf, widths, []string{
			item.SKU,
			item.Name,
			strconv.FormatInt(item.Quantity, 10),
			centsToDollars(item.UnitPriceCents),
			item.Location,
		}, false)
		totalQty += item.Quantity
		totalValueCents += item.Quantity * item.UnitPriceCents
	}
	writeReportRow(pdf, widths, []string{
		"Total",
		strconv.Itoa(len(items)) + " items",
		strconv.FormatInt(totalQty, 10),
		centsToDollars(totalValueCents),
		"",
	}, true)

	servePDF(w, r, pdf, "inventory.pdf")
}

func handleLowStockReportPDF(w http.ResponseWriter, r *http.Request, inventory InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	items, err := inventory.ListLowStockItems(r.Context(), tenant.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "REPORT_INTERNAL", "report internal")
		return
	}

	pdf := newReportPDF("Low Stock Report", tenant.Name)
	widths := []float64{35, 70, 25, 30, 30}
	writeReportRow(pdf, widths, []string{"SKU", "Name", "Qty", "Reorder At", "Shortfall"}, true)

	for _, item := range items {
		shortfall := item.ReorderPoint - item.Quantity
		if shortfall < 0 {
			shortfall = 0
		}
		writeReportRow(pdf, widths, []string{
			item.SKU,
			item.Name,
			strconv.FormatInt(item.Quantity, 10),
			strconv.FormatInt(item.ReorderPoint, 10),
			strconv.FormatInt(shortfall, 10),
		}, false)
	}
	writeReportRow(pdf, widths, []string{"Total", strconv.Itoa(len(items)) + " items", "", "", ""}, true)

	servePDF(w, r, pdf, "low-stock.pdf")
}

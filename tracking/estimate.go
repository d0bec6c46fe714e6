package tracking

import (
	"github.com/shopspring/decimal"

	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/xmldoc"
)

// Element names the estimator reads from PTU documents.
var (
	GuideElements = []string{"guiaInternacao", "guiaSADT", "guiaHonorarios", "guiaConsulta"}

	itemElement    = "procedimentosExecutados"
	guideIDElement = "nr_GuiaPrestador"
	itemSeqElement = "seq_item"
	valuesElement  = "valores"
	serviceElement = "vl_ServCobrado"
	feeElement     = "tx_AdmServico"
)

// FlatEstimates are used when a value cannot be read from the document.
var FlatEstimates = map[rules.Category]decimal.Decimal{
	rules.CategoryGuiaGloss:    decimal.RequireFromString("15.0"),
	rules.CategoryItemGloss:    decimal.RequireFromString("7.9"),
	rules.CategoryValidation:   decimal.RequireFromString("5.5"),
	rules.CategoryOptimization: decimal.RequireFromString("5.5"),
}

// Estimator values a single event. It is stateless; the hierarchy between
// guides and items is applied by Recorder.
type Estimator struct {
	guides map[string]bool
	flat   map[rules.Category]decimal.Decimal
}

// NewEstimator returns an estimator with the PTU guide names and flat values.
func NewEstimator() *Estimator {
	guides := make(map[string]bool, len(GuideElements))
	for _, g := range GuideElements {
		guides[g] = true
	}
	return &Estimator{guides: guides, flat: FlatEstimates}
}

// Estimate builds the record for ev. RecordedAt is left for the caller.
func (e *Estimator) Estimate(ev rules.Event) Record {
	rec := Record{
		ExecutionID:    ev.ExecutionID,
		FileName:       ev.FileName,
		ElementContext: ev.ElementContext,
		Kind:           KindOptimization,
	}
	if ev.Rule != nil {
		rec.RuleID = ev.Rule.ID
		rec.Category = ev.Rule.Impact.Category
	}

	guide := e.guideOf(ev.Candidate)
	if guide != nil {
		if id, ok := xmldoc.TextOf(xmldoc.FirstByLocalName(guide, guideIDElement)); ok {
			rec.GuideID = id
		}
	}
	rec.MonetaryImpact = e.flat[rec.Category]

	if ev.Rule == nil || !ev.Rule.Impact.CountAsSavings {
		return rec
	}

	switch rec.Category {
	case rules.CategoryGuiaGloss:
		rec.Kind = KindGuide
		if v := guideValue(guide); v.IsPositive() {
			rec.MonetaryImpact = v
		}
	case rules.CategoryItemGloss:
		rec.Kind = KindItem
		item := ancestorOrSelf(ev.Candidate, func(n *xmldoc.Node) bool { return xmldoc.LocalName(n) == itemElement })
		if item != nil {
			rec.ItemSeq, _ = xmldoc.TextOf(xmldoc.FirstByLocalName(item, itemSeqElement))
			if v := itemValue(item); v.IsPositive() {
				rec.MonetaryImpact = v
			}
		}
	default:
		return rec
	}
	rec.Counted = true
	return rec
}

func (e *Estimator) guideOf(n *xmldoc.Node) *xmldoc.Node {
	return ancestorOrSelf(n, func(n *xmldoc.Node) bool { return e.guides[xmldoc.LocalName(n)] })
}

func ancestorOrSelf(n *xmldoc.Node, match func(*xmldoc.Node) bool) *xmldoc.Node {
	for ; n != nil; n = n.Parent {
		if xmldoc.IsElement(n) && match(n) {
			return n
		}
	}
	return nil
}

// guideValue sums every procedure of the guide.
func guideValue(guide *xmldoc.Node) decimal.Decimal {
	total := decimal.Zero
	if guide == nil {
		return total
	}
	for _, item := range xmldoc.ElementsByLocalName(guide, itemElement) {
		total = total.Add(itemValue(item))
	}
	return total
}

// itemValue is vl_ServCobrado + tx_AdmServico; unreadable amounts count as zero.
func itemValue(item *xmldoc.Node) decimal.Decimal {
	values := xmldoc.FirstByLocalName(item, valuesElement)
	if values == nil {
		return decimal.Zero
	}
	return amount(values, serviceElement).Add(amount(values, feeElement))
}

func amount(parent *xmldoc.Node, local string) decimal.Decimal {
	text, ok := xmldoc.TextOf(xmldoc.FirstByLocalName(parent, local))
	if !ok || text == "" {
		return decimal.Zero
	}
	v, err := rules.ParseNumber(text)
	if err != nil {
		return decimal.Zero
	}
	return v
}

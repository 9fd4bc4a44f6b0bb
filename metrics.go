package theseus

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ClassReport holds the span scores of one entity type or one average.
type ClassReport struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report is the per-class breakdown of a Calculate call. Classes are sorted by name.
type Report struct {
	Classes  []ClassReport
	Micro    ClassReport
	Macro    ClassReport
	Weighted ClassReport
}

// String renders the report as an aligned table.
func (r Report) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "\tprecision\trecall\tf1-score\tsupport\t")
	fmt.Fprintln(w, "\t\t\t\t\t")
	row := func(c ClassReport) {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", c.Name, c.Precision, c.Recall, c.F1, c.Support)
	}
	for _, c := range r.Classes {
		row(c)
	}
	fmt.Fprintln(w, "\t\t\t\t\t")
	row(r.Micro)
	row(r.Macro)
	row(r.Weighted)
	w.Flush()
	return buf.String()
}

// span is an entity chunk [begin, end] of one type inside sequence seq.
type span struct {
	seq        int
	typ        string
	begin, end int
}

// splitTag returns the scheme prefix (B, I, E, S or O) and entity type of a
// tag. Anything without a recognised "P-" prefix is outside.
func splitTag(tag string) (byte, string) {
	if len(tag) >= 2 && tag[1] == '-' {
		switch tag[0] {
		case 'B', 'I', 'E', 'S':
			typ := tag[2:]
			if typ == "" {
				typ = "_"
			}
			return tag[0], typ
		}
	}
	return 'O', ""
}

func endOfChunk(prevTag, tag byte, prevType, typ string) bool {
	switch {
	case prevTag == 'E', prevTag == 'S':
		return true
	case (prevTag == 'B' || prevTag == 'I') && (tag == 'B' || tag == 'S' || tag == 'O'):
		return true
	case prevTag != 'O' && prevType != typ:
		return true
	}
	return false
}

func startOfChunk(prevTag, tag byte, prevType, typ string) bool {
	switch {
	case tag == 'B', tag == 'S':
		return true
	case (prevTag == 'E' || prevTag == 'S' || prevTag == 'O') && (tag == 'E' || tag == 'I'):
		return true
	case tag != 'O' && prevType != typ:
		return true
	}
	return false
}

// chunks extracts the entity spans of one tag sequence. A trailing outside tag
// closes any span still open at the end.
func chunks(seq int, tags []string) []span {
	var out []span
	prevTag, prevType := byte('O'), ""
	begin := 0
	for i := 0; i <= len(tags); i++ {
		tag, typ := byte('O'), ""
		if i < len(tags) {
			tag, typ = splitTag(tags[i])
		}
		if endOfChunk(prevTag, tag, prevType, typ) {
			out = append(out, span{seq: seq, typ: prevType, begin: begin, end: i - 1})
		}
		if startOfChunk(prevTag, tag, prevType, typ) {
			begin = i
		}
		prevTag, prevType = tag, typ
	}
	return out
}

// Calculate scores predicted tags against true tags as one sequence. It
// returns the micro-averaged span F1, token accuracy and a per-class report.
func Calculate(trueTags, predTags []string) (f1, accuracy float64, report Report, err error) {
	if len(trueTags) != len(predTags) {
		return 0, 0, Report{}, kindf(ErrShape, "%d true tags but %d predicted tags", len(trueTags), len(predTags))
	}
	return CalculateSequences([][]string{trueTags}, [][]string{predTags})
}

// CalculateSequences is Calculate over several sequences. Spans never cross
// sequence boundaries.
func CalculateSequences(trueSeqs, predSeqs [][]string) (f1, accuracy float64, report Report, err error) {
	if len(trueSeqs) != len(predSeqs) {
		return 0, 0, Report{}, kindf(ErrShape, "%d true sequences but %d predicted sequences", len(trueSeqs), len(predSeqs))
	}
	var correct, total int
	trueSpans := map[span]bool{}
	var predSpans []span
	for i := range trueSeqs {
		if len(trueSeqs[i]) != len(predSeqs[i]) {
			return 0, 0, Report{}, kindf(ErrShape, "sequence %d: %d true tags but %d predicted tags", i, len(trueSeqs[i]), len(predSeqs[i]))
		}
		for j := range trueSeqs[i] {
			if trueSeqs[i][j] == predSeqs[i][j] {
				correct++
			}
			total++
		}
		for _, s := range chunks(i, trueSeqs[i]) {
			trueSpans[s] = true
		}
		predSpans = append(predSpans, chunks(i, predSeqs[i])...)
	}
	if total > 0 {
		accuracy = float64(correct) / float64(total)
	}

	type counts struct{ tp, pred, gold int }
	perClass := map[string]*counts{}
	class := func(typ string) *counts {
		c, ok := perClass[typ]
		if !ok {
			c = &counts{}
			perClass[typ] = c
		}
		return c
	}
	for s := range trueSpans {
		class(s.typ).gold++
	}
	for _, s := range predSpans {
		c := class(s.typ)
		c.pred++
		if trueSpans[s] {
			c.tp++
		}
	}

	var tp, nPred, nTrue int
	names := maps.Keys(perClass)
	slices.Sort(names)
	for _, name := range names {
		c := perClass[name]
		report.Classes = append(report.Classes, score(name, c.tp, c.pred, c.gold))
		tp += c.tp
		nPred += c.pred
		nTrue += c.gold
	}
	report.Micro = score("micro avg", tp, nPred, nTrue)
	report.Macro, report.Weighted = averages(report.Classes, nTrue)
	return report.Micro.F1, accuracy, report, nil
}

func score(name string, tp, pred, gold int) ClassReport {
	c := ClassReport{Name: name, Support: gold}
	if pred > 0 {
		c.Precision = float64(tp) / float64(pred)
	}
	if gold > 0 {
		c.Recall = float64(tp) / float64(gold)
	}
	if c.Precision+c.Recall > 0 {
		c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
	}
	return c
}

func averages(classes []ClassReport, support int) (macro, weighted ClassReport) {
	macro = ClassReport{Name: "macro avg", Support: support}
	weighted = ClassReport{Name: "weighted avg", Support: support}
	if len(classes) == 0 {
		return macro, weighted
	}
	for _, c := range classes {
		macro.Precision += c.Precision
		macro.Recall += c.Recall
		macro.F1 += c.F1
		w := float64(c.Support)
		weighted.Precision += c.Precision * w
		weighted.Recall += c.Recall * w
		weighted.F1 += c.F1 * w
	}
	n := float64(len(classes))
	macro.Precision /= n
	macro.Recall /= n
	macro.F1 /= n
	if support > 0 {
		s := float64(support)
		weighted.Precision /= s
		weighted.Recall /= s
		weighted.F1 /= s
	}
	return macro, weighted
}

package theseus

import (
	"io"

	"github.com/pkg/errors"
)

// Metrics summarise one pass over a batch source.
type Metrics struct {
	F1       float64
	Accuracy float64
	Loss     float64
	Report   Report
}

// Evaluate runs model in inference mode over one full pass of source. Loss is
// the mean of the per-batch losses over batches with at least one labelled
// position, or 0 when there are none; F1, accuracy and the report are computed
// over every position whose true label is not padding.
func Evaluate(model Model, source BatchSource, criterion *CrossEntropy, vocab *LabelVocab) (Metrics, error) {
	model.SetTraining(false)
	source.Reset()
	device := deviceOf(model)
	var trueTags, predTags []string
	var lossSum float64
	batches, scored := 0, 0
	for {
		b, err := source.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Metrics{}, errors.WithMessagef(err, "reading batch %d", batches)
		}
		if b, err = b.To(device); err != nil {
			return Metrics{}, err
		}
		scores, err := model.Forward(b)
		if err != nil {
			return Metrics{}, errors.WithMessagef(err, "forward on batch %d", batches)
		}
		loss, err := criterion.Forward(scores, b.LabelIDs)
		if err != nil {
			return Metrics{}, errors.WithMessagef(err, "loss on batch %d", batches)
		}
		if criterion.Counted() > 0 {
			lossSum += float64(loss)
			scored++
		}
		batches++

		t, p, err := tagBatch(vocab, b.LabelIDs, scores)
		if err != nil {
			return Metrics{}, err
		}
		trueTags = append(trueTags, t...)
		predTags = append(predTags, p...)
	}
	if batches == 0 {
		return Metrics{}, kindf(ErrEmptyDataset, "batch source yielded no batches")
	}
	f1, acc, report, err := Calculate(trueTags, predTags)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{F1: f1, Accuracy: acc, Report: report}
	if scored > 0 {
		m.Loss = lossSum / float64(scored)
	}
	return m, nil
}

// tagBatch turns the true ids and arg-max predictions of one batch into label
// strings, dropping padding positions.
func tagBatch(vocab *LabelVocab, labelIDs []int32, scores Tensor) (trueTags, predTags []string, err error) {
	dims := scores.Dims()
	V := dims[len(dims)-1]
	preds := argmaxRows(scores.Data(), len(labelIDs), V)
	for i, id := range labelIDs {
		if id == vocab.PadID {
			continue
		}
		t, err := vocab.Label(id)
		if err != nil {
			return nil, nil, err
		}
		p, err := vocab.Label(preds[i])
		if err != nil {
			return nil, nil, err
		}
		trueTags = append(trueTags, t)
		predTags = append(predTags, p)
	}
	return trueTags, predTags, nil
}

package data

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestInMemoryDataset(t *testing.T) {
	t.Run("creation and access", func(t *testing.T) {
		inputs := [][]float32{{1, 2}, {3, 4}, {5, 6}}
		labels := []int32{0, 1, 0}

		ds, err := NewInMemoryDataset(inputs, labels)
		if err != nil {
			t.Fatalf("failed to create dataset: %v", err)
		}
		if ds.Len() != 3 {
			t.Errorf("expected length 3, got %d", ds.Len())
		}
		if ds.SampleSize() != 2 {
			t.Errorf("expected sample size 2, got %d", ds.SampleSize())
		}

		sample, label, err := ds.Get(1)
		if err != nil {
			t.Fatalf("failed to get sample 1: %v", err)
		}
		if sample[0] != 3 || sample[1] != 4 || label != 1 {
			t.Errorf("sample 1 mismatch: got %v label %d", sample, label)
		}
	})

	t.Run("error cases", func(t *testing.T) {
		tests := []struct {
			name   string
			inputs [][]float32
			labels []int32
		}{
			{"mismatched lengths", [][]float32{{1}}, []int32{0, 1}},
			{"inconsistent sample size", [][]float32{{1, 2}, {3}}, []int32{0, 1}},
			{"negative label", [][]float32{{1}, {2}}, []int32{0, -1}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := NewInMemoryDataset(tt.inputs, tt.labels); err == nil {
					t.Errorf("expected error")
				}
			})
		}

		ds, err := NewInMemoryDataset([][]float32{{1}}, []int32{0})
		if err != nil {
			t.Fatalf("failed to create dataset: %v", err)
		}
		if _, _, err := ds.Get(-1); err == nil {
			t.Error("expected error for negative index")
		}
		if _, _, err := ds.Get(1); err == nil {
			t.Error("expected error for out of bounds index")
		}
	})

	t.Run("empty dataset", func(t *testing.T) {
		ds, err := NewInMemoryDataset(nil, nil)
		if err != nil {
			t.Fatalf("failed to create empty dataset: %v", err)
		}
		if ds.Len() != 0 || ds.SampleSize() != 0 {
			t.Errorf("expected empty dataset, got len %d sample size %d", ds.Len(), ds.SampleSize())
		}
	})
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "train.json")
		content := `{"inputs": [[0.5, 1.5], [2.5, 3.5]], "labels": [0, 1]}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write dataset file: %v", err)
		}

		ds, err := LoadJSON(path)
		if err != nil {
			t.Fatalf("failed to load dataset: %v", err)
		}
		if ds.Len() != 2 || ds.SampleSize() != 2 {
			t.Fatalf("expected 2 samples of size 2, got %d of size %d", ds.Len(), ds.SampleSize())
		}
		sample, label, err := ds.Get(1)
		if err != nil {
			t.Fatalf("failed to get sample: %v", err)
		}
		if sample[0] != 2.5 || sample[1] != 3.5 || label != 1 {
			t.Errorf("sample 1 mismatch: got %v label %d", sample, label)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatalf("failed to write dataset file: %v", err)
		}
		if _, err := LoadJSON(path); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadJSON(filepath.Join(dir, "missing.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("inconsistent samples", func(t *testing.T) {
		path := filepath.Join(dir, "uneven.json")
		content := `{"inputs": [[1, 2], [3]], "labels": [0, 1]}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write dataset file: %v", err)
		}
		if _, err := LoadJSON(path); err == nil {
			t.Error("expected error for inconsistent sample sizes")
		}
	})
}

func TestSynthetic(t *testing.T) {
	t.Run("deterministic for seed", func(t *testing.T) {
		a, err := Synthetic(20, 4, 2, 99)
		if err != nil {
			t.Fatalf("failed to build dataset: %v", err)
		}
		b, err := Synthetic(20, 4, 2, 99)
		if err != nil {
			t.Fatalf("failed to build dataset: %v", err)
		}
		for i := 0; i < a.Len(); i++ {
			sa, la, _ := a.Get(i)
			sb, lb, _ := b.Get(i)
			if la != lb {
				t.Fatalf("sample %d labels differ: %d vs %d", i, la, lb)
			}
			for d := range sa {
				if sa[d] != sb[d] {
					t.Fatalf("sample %d value %d differ: %f vs %f", i, d, sa[d], sb[d])
				}
			}
		}

		c, err := Synthetic(20, 4, 2, 100)
		if err != nil {
			t.Fatalf("failed to build dataset: %v", err)
		}
		differs := false
		for i := 0; i < a.Len() && !differs; i++ {
			sa, _, _ := a.Get(i)
			sc, _, _ := c.Get(i)
			for d := range sa {
				if sa[d] != sc[d] {
					differs = true
					break
				}
			}
		}
		if !differs {
			t.Error("expected different seeds to produce different samples")
		}
	})

	t.Run("labels cycle through classes", func(t *testing.T) {
		ds, err := Synthetic(9, 2, 3, 1)
		if err != nil {
			t.Fatalf("failed to build dataset: %v", err)
		}
		for i := 0; i < ds.Len(); i++ {
			_, label, _ := ds.Get(i)
			if int(label) != i%3 {
				t.Errorf("sample %d: expected label %d, got %d", i, i%3, label)
			}
		}
	})

	t.Run("classes form separated clusters", func(t *testing.T) {
		ds, err := Synthetic(100, 8, 2, 7)
		if err != nil {
			t.Fatalf("failed to build dataset: %v", err)
		}

		var sum0, sum1 float64
		var n0, n1 int
		for i := 0; i < ds.Len(); i++ {
			sample, label, _ := ds.Get(i)
			for _, v := range sample {
				if label == 0 {
					sum0 += float64(v)
					n0++
				} else {
					sum1 += float64(v)
					n1++
				}
			}
		}
		mean0 := sum0 / float64(n0)
		mean1 := sum1 / float64(n1)
		if math.Abs(mean0-(-1.0)) > 0.1 {
			t.Errorf("class 0 mean %f not near -1", mean0)
		}
		if math.Abs(mean1-1.0) > 0.1 {
			t.Errorf("class 1 mean %f not near 1", mean1)
		}
	})

	t.Run("validation", func(t *testing.T) {
		if _, err := Synthetic(0, 4, 2, 1); err == nil {
			t.Error("expected error for zero samples")
		}
		if _, err := Synthetic(10, 0, 2, 1); err == nil {
			t.Error("expected error for zero sample size")
		}
		if _, err := Synthetic(10, 4, 1, 1); err == nil {
			t.Error("expected error for single class")
		}
	})
}

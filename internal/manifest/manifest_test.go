package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cellmaps-embedding/pkg/models"
)

const attributeHeader = "name\trepresents\tambiguous\tantibody\tfilename\timageurl\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad_AttributeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1_"+AttributeFileSuffix)
	writeFile(t, path, attributeHeader+
		"PPFIBP1\tensembl:ENSG00000110841\t\tHPA001924\t35_H1_1_\thttp://images.proteinatlas.org/1924/35_H1_1_blue_red_green.jpg\n"+
		"ACTN1\tensembl:ENSG00000072110\t\tCAB004303\t669_H5_1_\thttp://images.proteinatlas.org/4303/669_H5_1_blue_red_green.jpg\n"+
		"ACTN1\tensembl:ENSG00000072110\t\tCAB004303\t669_H5_2_\t\n"+
		"ACTN1\tensembl:ENSG00000072110\t\tCAB004303\t669_H5_2_\t\n")

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, m.Paths)
	assert.Len(t, m.Digest, 64)
	require.Len(t, m.Entries, 2)

	first := m.Entries[0]
	assert.Equal(t, "PPFIBP1", first.SampleID)
	assert.Equal(t, "ensembl:ENSG00000110841", first.Represents)
	assert.Equal(t, "HPA001924", first.Antibody)
	require.Len(t, first.Sets, 1)
	assert.Equal(t, "35_H1_1_", first.Sets[0].Prefix)

	second := m.Entries[1]
	assert.Equal(t, "ACTN1", second.SampleID)
	require.Len(t, second.Sets, 2, "duplicate filename rows collapse")
	assert.Equal(t, "669_H5_2_", second.Sets[1].Prefix)
}

func TestLoad_DirectoryConcatenatesFolds(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "2_"+AttributeFileSuffix), attributeHeader+"B\t\t\t\tb_\t\n")
	writeFile(t, filepath.Join(dir, "1_"+AttributeFileSuffix), attributeHeader+"A\t\t\t\ta_\t\n")
	writeFile(t, filepath.Join(dir, "other.tsv"), "ignored\n")

	m, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, m.Paths, 2)
	assert.Equal(t, filepath.Join(dir, "1_"+AttributeFileSuffix), m.Paths[0])
	require.Len(t, m.Entries, 2)
	assert.Equal(t, "A", m.Entries[0].SampleID)
	assert.Equal(t, "B", m.Entries[1].SampleID)
}

func TestLoad_ExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.tsv")
	writeFile(t, path, "sample_id\tchannel\tpath\tset\n"+
		"A\tred\t/img/a_red.png\t1\n"+
		"A\tGREEN\t/img/a_green.png\t1\n"+
		"A\tred\t/img/a2_red.png\t2\n"+
		"B\tred\t/img/b_red.png\t\n")

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)

	a := m.Entries[0]
	require.Len(t, a.Sets, 2)
	assert.Equal(t, "/img/a_green.png", a.Sets[0].Paths[models.ChannelGreen])
	assert.Equal(t, "/img/a2_red.png", a.Sets[1].Paths[models.ChannelRed])

	b := m.Entries[1]
	require.Len(t, b.Sets, 1)
	assert.Equal(t, "0", b.Sets[0].Prefix)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"header only", attributeHeader},
		{"unknown header", "gene\timage\nA\tx\n"},
		{"wrong column count", attributeHeader + "A\tx\n"},
		{"empty name", attributeHeader + "\t\t\t\ta_\t\n"},
		{"duplicate channel", "sample_id\tchannel\tpath\nA\tred\tx\nA\tred\ty\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".tsv")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrManifest)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.tsv"))
	assert.ErrorIs(t, err, models.ErrManifest)

	_, err = Load(t.TempDir())
	assert.ErrorIs(t, err, models.ErrManifest, "directory without attribute files")
}

func TestLoad_DigestIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1_"+AttributeFileSuffix)
	writeFile(t, path, attributeHeader+"A\t\t\t\ta_\t\n")

	m1, err := Load(path)
	require.NoError(t, err)
	m2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m1.Digest, m2.Digest)
}

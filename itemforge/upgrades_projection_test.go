package itemforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectStat(t *testing.T) {
	// Plain percentage scaling.
	assert.Equal(t, int32(110), ProjectStat(100, 10, 1))
	// Formula and the per-rank floor agree.
	assert.Equal(t, int32(110), ProjectStat(100, 10, 2))
	// Tiny base values get at least +1 per rank.
	assert.Equal(t, int32(10), ProjectStat(5, 10, 5))
	assert.Equal(t, int32(1), ProjectStat(0, 50, 1))
	// Fractional results floor.
	assert.Equal(t, int32(115), ProjectStat(105, 10, 1))
}

func TestProjectWeaponDamage(t *testing.T) {
	minDmg, maxDmg := ProjectWeaponDamage(10, 20, 15, 1)
	assert.Equal(t, float64(11), minDmg)
	assert.Equal(t, float64(23), maxDmg)

	// Min floors down, max ceils up.
	minDmg, maxDmg = ProjectWeaponDamage(10, 20, 12, 1)
	assert.Equal(t, float64(11), minDmg)
	assert.Equal(t, float64(23), maxDmg)

	// The per-rank floor applies independently to both ends.
	minDmg, maxDmg = ProjectWeaponDamage(2, 3, 1, 4)
	assert.Equal(t, float64(6), minDmg)
	assert.Equal(t, float64(7), maxDmg)
}

func TestProjectItemLevel(t *testing.T) {
	// Unchanged sums leave the level alone.
	assert.Equal(t, uint32(100), ProjectItemLevel(150, 150, 100))
	assert.Equal(t, uint32(100), ProjectItemLevel(150, 140, 100))
	// Integer-division scaling.
	assert.Equal(t, uint32(103), ProjectItemLevel(150, 155, 100))
	assert.Equal(t, uint32(200), ProjectItemLevel(100, 200, 100))
	// No stats at all is a no-op, not a division by zero.
	assert.Equal(t, uint32(100), ProjectItemLevel(0, 10, 100))
}
